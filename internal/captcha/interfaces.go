package captcha

import (
	"context"
	"time"
)

// Queue hands queued jobs from the registry to workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close()
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Transcriber turns a challenge artifact (audio bytes) into a candidate
// solution. Implemented by the external provider client.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Publisher emits terminal-job events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ArtifactStore persists challenge artifacts (audio clips) for inspection.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// HistoryStore archives terminal job snapshots.
type HistoryStore interface {
	StoreSolve(ctx context.Context, record SolveRecord) error
}
