// Package remote talks to the document-store backend the queue replays
// against. The engine only sees put-with-merge semantics keyed by
// collection+id; everything else about the backend is opaque beyond
// success/failure.
package remote

import (
	"context"
	"errors"
)

// ErrWriteFailed wraps transport and backend errors. Always retryable from
// the queue's point of view; a timeout is a failure, not a special case.
var ErrWriteFailed = errors.New("remote write failed")

// Backend is the document-store collaborator.
type Backend interface {
	// Put creates or merges a document by collection and id. The payload
	// must already be sanitized.
	Put(ctx context.Context, collection, docID string, payload map[string]any) error
}
