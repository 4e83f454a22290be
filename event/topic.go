package event

import (
	"fmt"
	"strings"
	"sync"
)

// Topic names follow a pattern:
//
//	run:<runID>  — events for a specific run
//	runs         — all run-level lifecycle events
//	steps        — all step-level lifecycle events
//	firehose     — everything

const (
	TopicRuns     = "runs"
	TopicSteps    = "steps"
	TopicFirehose = "firehose"
)

// RunTopic returns the topic name for a specific run.
func RunTopic(runID string) string { return "run:" + runID }

// TopicRegistry manages subscriber sets per topic. Safe for concurrent
// use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]map[string]*Subscriber)}
}

// Subscribe adds a subscriber to a topic, creating the topic on demand.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic and cleans up empty
// topics.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from every topic.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends an event to all subscribers on the listed topics,
// deduplicating subscribers present on more than one. Returns the
// number of deliveries.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) int {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for sid, sub := range tr.topics[topic] {
			seen[sid] = sub
		}
	}
	tr.mu.RUnlock()

	delivered := 0
	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		}
	}
	return delivered
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic an event fans out to.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}

	t := string(evt.Type)
	switch {
	case strings.HasPrefix(t, "run."):
		topics = append(topics, TopicRuns)
	case strings.HasPrefix(t, "step."):
		topics = append(topics, TopicSteps)
	}

	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	return topics
}

// ValidateTopic checks whether a topic string names a known topic.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicRuns, TopicSteps, TopicFirehose:
		return nil
	}
	idx := strings.IndexByte(topic, ':')
	if idx <= 0 || idx == len(topic)-1 {
		return fmt.Errorf("event: invalid topic %q", topic)
	}
	if topic[:idx] != "run" {
		return fmt.Errorf("event: unknown topic entity type %q", topic[:idx])
	}
	return nil
}
