package analytics

import "time"

type EventType string

const (
	EventSearch     EventType = "search"
	EventZeroResult EventType = "zero_result"
	EventDocuments  EventType = "documents"
)

// SearchEvent describes one answered query.
type SearchEvent struct {
	Type      EventType `json:"type"`
	Query     string    `json:"query"`
	Keywords  []string  `json:"keywords"`
	Lang      string    `json:"lang"`
	Subtype   string    `json:"subtype"`
	Total     int       `json:"total"`
	Returned  int       `json:"returned"`
	LatencyMs float64   `json:"latency_ms"`
	Cached    bool      `json:"cached"`
	Fuzzy     bool      `json:"fuzzy"`
	Degraded  bool      `json:"degraded"`
	Grouped   bool      `json:"grouped"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// DocumentEvent describes a live document update or delete.
type DocumentEvent struct {
	Type      EventType `json:"type"`
	Op        string    `json:"op"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}
