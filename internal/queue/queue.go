package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fieldtrack/internal/store"
)

// DefaultKey is the storage key holding the serialized queue.
const DefaultKey = "attendance_offline_queue"

// DefaultMaxRetries bounds how many failed replays an item survives.
const DefaultMaxRetries = 5

// Kind identifies the deferred mutation.
type Kind string

const (
	KindCheckIn  Kind = "checkin"
	KindCheckOut Kind = "checkout"
)

// Item is one deferred mutation.
type Item struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"type"`
	SubjectID   string          `json:"subjectId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retryCount"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
}

// Storage is the durable byte store the queue persists into.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Replayer re-sends a deferred mutation. A nil error removes the item.
type Replayer interface {
	Replay(ctx context.Context, item Item) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, item Item) error

// Replay calls f.
func (f ReplayFunc) Replay(ctx context.Context, item Item) error { return f(ctx, item) }

// Discarder is implemented by replayers that want to know when an item was
// dropped after exhausting its retries.
type Discarder interface {
	Discarded(ctx context.Context, item Item, cause error)
}

// Observer receives queue events. metrics.Metrics implements it.
type Observer interface {
	QueueLength(n int)
	QueueReplay(outcome string)
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Replayed  int  `json:"replayed"`
	Failed    int  `json:"failed"`
	Deferred  int  `json:"deferred"`
	Discarded int  `json:"discarded"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped"`
}

// Queue is a durable FIFO of mutations that could not reach the server.
// Every mutation rewrites the full serialized list under one key.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	storage    Storage
	key        string
	maxRetries int
	now        func() time.Time
	log        *slog.Logger
	observer   Observer
	draining   atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds an empty queue over storage. Call Load to restore persisted items.
func New(storage Storage, opts ...Option) *Queue {
	q := &Queue{
		storage:    storage,
		key:        DefaultKey,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a new item and persists the whole queue. payload is JSON
// encoded unless it is already json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, subjectID string, payload any) (Item, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Item{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := q.now().UTC()
	item := Item{
		ID:         newID(kind, now),
		Kind:       kind,
		SubjectID:  subjectID,
		Payload:    raw,
		EnqueuedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := append(cloneItems(q.items), item)
	if err := q.persistLocked(ctx, next); err != nil {
		return Item{}, err
	}
	q.items = next
	q.log.Info("offline queue: enqueued", "id", item.ID, "kind", kind, "subject_id", subjectID, "length", len(next))
	return item, nil
}

// Load replaces the in-memory queue with the persisted one and returns its
// length. Missing or unreadable data yields an empty queue.
func (q *Queue) Load(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	raw, err := q.storage.Get(ctx, q.key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		q.log.Warn("offline queue: storage read failed, starting empty", "error", err)
	case len(raw) == 0:
	default:
		var items []Item
		if err := json.Unmarshal(raw, &items); err != nil {
			q.log.Warn("offline queue: stored data corrupt, starting empty", "error", err)
			break
		}
		q.items = items
	}
	q.observeLengthLocked()
	return len(q.items)
}

// Drain replays items in enqueue order. Successful items are removed; failed
// items stay with RetryCount incremented. After a failure, later items for the
// same subject wait for the next drain so they are never applied out of order.
// Items that reach the retry bound are discarded and reported to r when it
// implements Discarder.
func (q *Queue) Drain(ctx context.Context, r Replayer) DrainReport {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainReport{Skipped: true, Remaining: q.Len()}
	}
	defer q.draining.Store(false)

	var report DrainReport
	blocked := make(map[string]bool)

	for _, item := range q.Items() {
		if ctx.Err() != nil {
			break
		}
		if blocked[item.SubjectID] {
			report.Deferred++
			continue
		}

		err := r.Replay(ctx, item)
		if err == nil {
			q.remove(ctx, item.ID)
			report.Replayed++
			q.observeReplay("success")
			continue
		}

		report.Failed++
		blocked[item.SubjectID] = true
		if q.recordFailure(ctx, item.ID, err) {
			report.Discarded++
			q.observeReplay("discarded")
			if d, ok := r.(Discarder); ok {
				d.Discarded(ctx, item, err)
			}
		} else {
			q.observeReplay("failure")
		}
	}

	report.Remaining = q.Len()
	if report.Replayed+report.Failed > 0 {
		q.log.Info("offline queue: drain finished",
			"replayed", report.Replayed, "failed", report.Failed,
			"deferred", report.Deferred, "discarded", report.Discarded,
			"remaining", report.Remaining)
	}
	return report
}

// Clear empties the queue and persists the empty state.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persistLocked(ctx, nil); err != nil {
		return err
	}
	q.items = nil
	return nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneItems(q.items)
}

func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if it.ID != id {
			next = append(next, it)
		}
	}
	if err := q.persistLocked(ctx, next); err != nil {
		// The server already accepted the mutation; keep memory in sync even if
		// the rewrite failed so it is not replayed again in this process.
		q.log.Error("offline queue: persist after replay failed", "id", id, "error", err)
	}
	q.items = next
}

// recordFailure bumps the retry counter and reports whether the item was
// discarded for exceeding the retry bound.
func (q *Queue) recordFailure(ctx context.Context, id string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	next := make([]Item, 0, len(q.items))
	discarded := false
	for _, it := range q.items {
		if it.ID == id {
			it.RetryCount++
			it.LastRetryAt = &now
			if it.RetryCount >= q.maxRetries {
				discarded = true
				q.log.Error("offline queue: retries exhausted, discarding item",
					"id", it.ID, "kind", it.Kind, "retry_count", it.RetryCount, "error", cause)
				continue
			}
			q.log.Warn("offline queue: replay failed", "id", it.ID, "retry_count", it.RetryCount, "error", cause)
		}
		next = append(next, it)
	}
	if err := q.persistLocked(ctx, next); err != nil {
		q.log.Error("offline queue: persist after failure failed", "id", id, "error", err)
	}
	q.items = next
	return discarded
}

func (q *Queue) persistLocked(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.storage.Set(ctx, q.key, raw); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	if q.observer != nil {
		q.observer.QueueLength(len(items))
	}
	return nil
}

func (q *Queue) observeLengthLocked() {
	if q.observer != nil {
		q.observer.QueueLength(len(q.items))
	}
}

func (q *Queue) observeReplay(outcome string) {
	if q.observer != nil {
		q.observer.QueueReplay(outcome)
	}
}

// newID returns <kind>_<unixMillis>_<suffix>.
func newID(kind Kind, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", kind, at.UnixMilli(), suffix)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("invalid raw json")
		}
		return append(json.RawMessage(nil), p...), nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(p)
	}
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
