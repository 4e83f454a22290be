package event

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Bus fans lifecycle events out to topic subscribers. Publishing never
// blocks: slow subscribers drop events rather than stalling workers.
type Bus struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) Option {
	return func(b *Bus) { b.defaultCredits = credits }
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the topic registry.
func (b *Bus) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Bus) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Bus) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Bus) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close()
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Bus) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return Stats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// Stats contains bus metrics.
type Stats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// Publish stamps and broadcasts an event to every matching topic.
func (b *Bus) Publish(evt *Event) {
	if evt.ID.IsNil() {
		evt.ID = id.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	delivered := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming
// error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("event: marshal event data: " + err.Error())
	}
	return data
}

// PublishRun emits a run-level lifecycle event.
func (b *Bus) PublishRun(t Type, r *run.Run) {
	data := RunEventData{
		RunID:        r.ID.String(),
		PlaybookName: r.PlaybookName,
		State:        string(r.State),
		Error:        r.Error,
	}
	if r.CompletedAt != nil {
		data.ElapsedMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	b.Publish(&Event{
		Type:  t,
		Topic: RunTopic(r.ID.String()),
		Data:  mustMarshal(data),
	})
}

// PublishStep emits a step-level lifecycle event.
func (b *Bus) PublishStep(t Type, s *run.StepRun) {
	data := StepEventData{
		RunID:     s.RunID.String(),
		StepKey:   s.Key,
		State:     string(s.State),
		Attempt:   s.Attempt,
		Error:     s.Error,
		WillRetry: s.WillRetry,
	}
	if s.StartedAt != nil && s.CompletedAt != nil {
		data.ElapsedMs = s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
	}
	b.Publish(&Event{
		Type:  t,
		Topic: RunTopic(s.RunID.String()),
		Data:  mustMarshal(data),
	})
}

// PublishStepLog emits a step log line event.
func (b *Bus) PublishStepLog(runID id.RunID, stepKey, line string) {
	b.Publish(&Event{
		Type:  TypeStepLog,
		Topic: RunTopic(runID.String()),
		Data: mustMarshal(LogEventData{
			RunID:   runID.String(),
			StepKey: stepKey,
			Line:    line,
		}),
	})
}

// Shutdown closes every subscriber.
func (b *Bus) Shutdown() {
	b.subscribers.Range(func(key, value any) bool {
		value.(*Subscriber).Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("event bus shut down")
}
