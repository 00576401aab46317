// Package legacy reads the flat key/value snapshot exported by the previous
// web client: four independently-optional slots, each holding a JSON-encoded
// value. The snapshot is read-only from this engine's perspective; the
// bootstrapper decides whether it is ever consulted.
package legacy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Slot names in the flat snapshot.
const (
	SlotJobs       = "jobs"
	SlotPolicy     = "policy"
	SlotActiveDate = "activeDate"
	SlotUser       = "user"
)

// Reader exposes the flat snapshot one slot at a time. A missing slot is not
// an error; each slot falls back independently.
type Reader interface {
	// Get returns the raw JSON value of a slot and whether the slot exists.
	Get(key string) (string, bool, error)
}

// FileReader reads a single JSON file mapping slot names to JSON-encoded
// strings (the shape of a localStorage export).
type FileReader struct {
	path  string
	slots map[string]string
}

func NewFileReader(path string) *FileReader {
	return &FileReader{path: path}
}

func (r *FileReader) Get(key string) (string, bool, error) {
	if r.slots == nil {
		if err := r.load(); err != nil {
			return "", false, err
		}
	}
	raw, ok := r.slots[key]
	return raw, ok, nil
}

func (r *FileReader) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.slots = map[string]string{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy snapshot: %w", err)
	}

	var slots map[string]string
	if err := json.Unmarshal(data, &slots); err != nil {
		return fmt.Errorf("decode legacy snapshot: %w", err)
	}
	r.slots = slots
	return nil
}

// Decode unmarshals one slot into out, reporting whether the slot was both
// present and readable. An unreadable slot degrades to absent; the caller's
// fallback applies.
func Decode(r Reader, key string, out any) bool {
	raw, ok, err := r.Get(key)
	if err != nil || !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false
	}
	return true
}
