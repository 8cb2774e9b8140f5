package webhook

import (
	"sync"
	"time"
)

// maxLogQueryLimit caps how many entries a single log read can return.
const maxLogQueryLimit = 500

// DeliveryLogEntry records one delivery attempt, success or failure.
type DeliveryLogEntry struct {
	DeliveryID     string    `json:"delivery_id"`
	WebhookID      string    `json:"webhook_id"`
	Event          Event     `json:"event"`
	Timestamp      time.Time `json:"timestamp"`
	StatusCode     int       `json:"status_code,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	RetryCount     int       `json:"retry_count"`
	ResponseTimeMS float64   `json:"response_time_ms,omitempty"`
}

// deliveryLog is a bounded append-only ring of delivery attempts.
type deliveryLog struct {
	mu      sync.Mutex
	entries []DeliveryLogEntry
	head    int
	count   int
}

func newDeliveryLog(capacity int) *deliveryLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &deliveryLog{entries: make([]DeliveryLogEntry, capacity)}
}

func (l *deliveryLog) append(e DeliveryLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[(l.head+l.count)%len(l.entries)] = e
	if l.count == len(l.entries) {
		l.head = (l.head + 1) % len(l.entries)
	} else {
		l.count++
	}
}

// read returns matching entries newest-first, clamped to limit.
func (l *deliveryLog) read(webhookID string, event string, limit int) []DeliveryLogEntry {
	if limit <= 0 || limit > maxLogQueryLimit {
		limit = maxLogQueryLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DeliveryLogEntry, 0, limit)
	for i := l.count - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[(l.head+i)%len(l.entries)]
		if webhookID != "" && e.WebhookID != webhookID {
			continue
		}
		if event != "" && string(e.Event) != event {
			continue
		}
		out = append(out, e)
	}
	return out
}
