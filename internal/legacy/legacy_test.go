package legacy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
)

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileReader_Slots(t *testing.T) {
	path := writeSnapshot(t, `{
        "jobs": "[{\"id\":1,\"date\":\"2024-11-20\",\"crew\":\"North\"}]",
        "activeDate": "\"2024-11-20\""
    }`)
	r := NewFileReader(path)

	raw, ok, err := r.Get(SlotJobs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, raw, `"crew":"North"`)

	_, ok, err = r.Get(SlotPolicy)
	require.NoError(t, err)
	assert.False(t, ok, "absent slot is not an error")
}

func TestFileReader_MissingFileIsEmpty(t *testing.T) {
	r := NewFileReader(filepath.Join(t.TempDir(), "does-not-exist.json"))

	_, ok, err := r.Get(SlotJobs)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileReader_CorruptFile(t *testing.T) {
	path := writeSnapshot(t, `not json at all`)
	r := NewFileReader(path)

	_, _, err := r.Get(SlotJobs)
	assert.Error(t, err)
}

func TestDecode_Jobs(t *testing.T) {
	path := writeSnapshot(t, `{
        "jobs": "[{\"id\":1,\"date\":\"2024-11-20\",\"crew\":\"North\"},{\"id\":2,\"date\":\"2024-11-21\",\"crew\":\"South\"}]"
    }`)
	r := NewFileReader(path)

	var jobs []models.Job
	require.True(t, Decode(r, SlotJobs, &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, "South", jobs[1].Crew)
}

func TestDecode_AbsentSlot(t *testing.T) {
	path := writeSnapshot(t, `{}`)
	r := NewFileReader(path)

	var user models.User
	assert.False(t, Decode(r, SlotUser, &user))
}

func TestDecode_UnreadableSlotDegradesToAbsent(t *testing.T) {
	path := writeSnapshot(t, `{"policy": "{broken json"}`)
	r := NewFileReader(path)

	var policy models.Policy
	assert.False(t, Decode(r, SlotPolicy, &policy))
	assert.Zero(t, policy.CutoffDate)
}

func TestDecode_ReaderError(t *testing.T) {
	path := writeSnapshot(t, `corrupt`)
	r := NewFileReader(path)

	var date string
	assert.False(t, Decode(r, SlotActiveDate, &date))
}
