package notify

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	URL             string
	Timeout         time.Duration
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Message is one notification to deliver.
type Message struct {
	// Event is the logical kind, usually the bus topic that produced it.
	// Messages without an event name are never deduplicated.
	Event    string
	Text     string
	Priority int
	// Data is an optional structured payload forwarded verbatim.
	Data any
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notify lifecycle
// events (queued, sent, failed, dropped, deduped). Keep it small; Data
// may be logged/serialized by subscribers.
type NotificationEvent struct {
	Event string    `json:"event"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
