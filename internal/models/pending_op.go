package models

// Supported mutation types. Enqueue rejects anything outside this set.
const (
	OpJobAdd    = "job.add"
	OpJobUpdate = "job.update"
	OpJobDelete = "job.delete"
	OpPut       = "put"
	OpDelete    = "delete"
)

// KnownOpType reports whether t belongs to the closed mutation set.
func KnownOpType(t string) bool {
	switch t {
	case OpJobAdd, OpJobUpdate, OpJobDelete, OpPut, OpDelete:
		return true
	}
	return false
}

// KnownTable reports whether tbl is a store table a mutation may target.
func KnownTable(tbl string) bool {
	switch tbl {
	case TableJobs, TablePolicy, TableState:
		return true
	}
	return false
}

// PendingOp is a durable replay instruction for one remote write. It does not
// own the record it targets; the store row is authoritative. It is deleted
// when the remote write is acknowledged and only Attempt/NextAt/UpdatedAt
// ever change in between.
type PendingOp struct {
	ID        string `json:"id"`
	QueueID   string `json:"queueId,omitempty"` // pre-rename identifier, kept for inspection
	Type      string `json:"type"`
	Table     string `json:"table"`
	Key       string `json:"key,omitempty"`
	Payload   string `json:"payload"` // JSON-encoded mutation body
	Attempt   int    `json:"attempt"`
	NextAt    int64  `json:"nextAt"`    // epoch millis, earliest retry time
	CreatedAt int64  `json:"createdAt"` // epoch millis
	UpdatedAt int64  `json:"updatedAt"` // epoch millis
}

// Mutation is the caller-supplied intent that becomes a PendingOp.
type Mutation struct {
	Type    string         `json:"type"`
	Table   string         `json:"table"`
	Key     string         `json:"key,omitempty"` // optional for creates
	Payload map[string]any `json:"payload,omitempty"`
}
