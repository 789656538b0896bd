package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Message is one raw ingested payload, decoded but not yet normalized.
type Message struct {
	Topic      string
	Value      any
	ReceivedAt time.Time
	Source     string // "mqtt" or "kafka"
}

// Queue is the bounded handoff between transport adapters and the
// pipeline. When full, Push evicts the oldest queued message so the
// network loops never block; evictions are reported through onDrop.
type Queue struct {
	ch     chan Message
	onDrop func(Message)
	logger *slog.Logger
}

func NewQueue(capacity int, onDrop func(Message), logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Message, capacity), onDrop: onDrop, logger: logger}
}

// Push never blocks. On a full queue it discards the oldest message to
// make room for the new one.
func (q *Queue) Push(msg Message) {
	for {
		select {
		case q.ch <- msg:
			return
		default:
		}
		select {
		case old := <-q.ch:
			if q.onDrop != nil {
				q.onDrop(old)
			}
			if q.logger != nil {
				q.logger.Warn("ingest queue full, dropping oldest message", "topic", old.Topic, "source", old.Source)
			}
		default:
		}
	}
}

// C exposes the consume side for the pipeline dispatcher.
func (q *Queue) C() <-chan Message {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DecodeValue turns a raw transport payload into a value the normalizer
// accepts: a JSON document when the bytes parse as one, otherwise a
// scalar (number, boolean, or plain string). Non-UTF-8 payloads are
// rejected with a nil value.
func DecodeValue(data []byte) any {
	if !utf8.Valid(data) {
		return nil
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return strings.Trim(trimmed, `"`)
}
