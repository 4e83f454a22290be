package event_test

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/id"
	"github.com/pravado/playbook/run"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRun() *run.Run {
	return &run.Run{ID: id.NewRunID(), PlaybookName: "press-release", State: run.StateRunning}
}

func recv(t *testing.T, sub *event.Subscriber) *event.Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	default:
		t.Fatal("no event buffered")
		return nil
	}
}

func TestPublishRunReachesRunTopic(t *testing.T) {
	b := event.NewBus(discardLogger())
	r := testRun()

	sub := b.Subscribe("sub-1", event.RunTopic(r.ID.String()))
	b.PublishRun(event.TypeRunStarted, r)

	evt := recv(t, sub)
	if evt.Type != event.TypeRunStarted {
		t.Errorf("Type = %v, want run.started", evt.Type)
	}
	var data event.RunEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.RunID != r.ID.String() || data.State != "running" {
		t.Errorf("data = %+v, want run id and state", data)
	}
}

func TestFirehoseSeesEverything(t *testing.T) {
	b := event.NewBus(discardLogger())
	sub := b.Subscribe("hose", event.TopicFirehose)

	r := testRun()
	b.PublishRun(event.TypeRunStarted, r)
	b.PublishStep(event.TypeStepCompleted, &run.StepRun{
		ID: id.NewStepRunID(), RunID: r.ID, Key: "draft", State: run.StateSuccess,
	})
	b.PublishStepLog(r.ID, "draft", "writing headline")

	for _, want := range []event.Type{event.TypeRunStarted, event.TypeStepCompleted, event.TypeStepLog} {
		evt := recv(t, sub)
		if evt.Type != want {
			t.Errorf("Type = %v, want %v", evt.Type, want)
		}
	}
}

func TestRunTopicIsolation(t *testing.T) {
	b := event.NewBus(discardLogger())
	mine := testRun()
	other := testRun()

	sub := b.Subscribe("watcher", event.RunTopic(mine.ID.String()))
	b.PublishRun(event.TypeRunCompleted, other)

	select {
	case evt := <-sub.C():
		t.Errorf("received %v for a different run", evt.Type)
	default:
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := event.NewBus(discardLogger())
	r := testRun()

	b.PublishRun(event.TypeRunStarted, r)

	sub := b.Subscribe("late", event.RunTopic(r.ID.String()))
	select {
	case evt := <-sub.C():
		t.Errorf("late subscriber received %v, want nothing", evt.Type)
	default:
	}

	// Events after subscription do arrive.
	b.PublishRun(event.TypeRunCompleted, r)
	if evt := recv(t, sub); evt.Type != event.TypeRunCompleted {
		t.Errorf("Type = %v, want run.completed", evt.Type)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := event.NewBus(discardLogger(), event.WithBufferSize(2))
	r := testRun()
	sub := b.Subscribe("slow", event.RunTopic(r.ID.String()))

	for i := 0; i < 5; i++ {
		b.PublishRun(event.TypeRunUpdated, r)
	}

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		default:
			if received != 2 {
				t.Errorf("received %d events, want 2 (buffer size)", received)
			}
			return
		}
	}
}

func TestCreditsExhaustion(t *testing.T) {
	b := event.NewBus(discardLogger(), event.WithDefaultCredits(1))
	r := testRun()
	sub := b.Subscribe("metered", event.RunTopic(r.ID.String()))

	b.PublishRun(event.TypeRunUpdated, r)
	b.PublishRun(event.TypeRunUpdated, r)

	if got := sub.Credits(); got != 0 {
		t.Errorf("Credits() = %d, want 0", got)
	}
	recv(t, sub)
	select {
	case <-sub.C():
		t.Error("second event delivered without credits")
	default:
	}

	sub.AddCredits(1)
	b.PublishRun(event.TypeRunUpdated, r)
	recv(t, sub)
}

func TestRemoveSubscriberClosesChannel(t *testing.T) {
	b := event.NewBus(discardLogger())
	sub := b.Subscribe("gone", event.TopicFirehose)

	b.RemoveSubscriber("gone")
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after RemoveSubscriber")
	}
	if _, ok := b.GetSubscriber("gone"); ok {
		t.Error("subscriber still registered after RemoveSubscriber")
	}
}

func TestBusStats(t *testing.T) {
	b := event.NewBus(discardLogger())
	b.Subscribe("a", event.TopicFirehose)
	b.Subscribe("b", event.TopicRuns)

	b.PublishRun(event.TypeRunStarted, testRun())

	s := b.Stats()
	if s.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", s.SubscriberCount)
	}
	// Both the firehose and the runs subscriber receive a run event.
	if s.TotalPublished != 2 {
		t.Errorf("TotalPublished = %d, want 2", s.TotalPublished)
	}
}

func TestValidateTopic(t *testing.T) {
	valid := []string{"runs", "steps", "firehose", "run:run_01abc"}
	for _, topic := range valid {
		if err := event.ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v, want nil", topic, err)
		}
	}
	invalid := []string{"", "run:", ":abc", "job:x", "everything"}
	for _, topic := range invalid {
		if err := event.ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) = nil, want error", topic)
		}
	}
}

func TestStepLogEventWireValue(t *testing.T) {
	b := event.NewBus(discardLogger())
	runID := id.NewRunID()

	sub := b.Subscribe("watcher", event.TopicFirehose)
	b.PublishStepLog(runID, "draft", "writing headline")

	evt := recv(t, sub)
	if string(evt.Type) != "step.log.appended" {
		t.Fatalf("Type = %q, want step.log.appended", evt.Type)
	}
	var data event.LogEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.RunID != runID.String() || data.StepKey != "draft" || data.Line != "writing headline" {
		t.Fatalf("payload = %+v", data)
	}
}
