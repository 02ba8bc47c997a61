package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	commandEvents := make(chan Event, 1)
	faultEvents := make(chan Event, 1)

	bus.Subscribe(EventTypeCommandExecuted, func(event Event) {
		commandEvents <- event
	})
	bus.Subscribe(EventTypeEngineFault, func(event Event) {
		faultEvents <- event
	})

	bus.Publish(Event{
		Type:      EventTypeCommandExecuted,
		SessionID: "s-1",
		Payload:   CommandRecord{Tool: "GAP_EvalCode", Command: "1+1;", Outcome: OutcomeSuccess},
		Severity:  SeverityInfo,
	})

	select {
	case got := <-commandEvents:
		if got.Type != EventTypeCommandExecuted {
			t.Fatalf("received type = %q, want %q", got.Type, EventTypeCommandExecuted)
		}
		record, ok := got.Payload.(CommandRecord)
		if !ok {
			t.Fatalf("payload type = %T, want CommandRecord", got.Payload)
		}
		if record.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %q, want %q", record.Outcome, OutcomeSuccess)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command subscriber event")
	}

	select {
	case got := <-faultEvents:
		t.Fatalf("unexpected fault event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{
		Type:      EventTypeSessionStarted,
		SessionID: "s-1",
		Severity:  SeverityInfo,
	})
	bus.Publish(Event{
		Type:      EventTypeEngineFault,
		SessionID: "s-1",
		Severity:  SeverityError,
	})

	gotFirst := waitForEvent(t, all)
	gotSecond := waitForEvent(t, all)
	got := []string{gotFirst.Type, gotSecond.Type}

	if !containsType(got, EventTypeSessionStarted) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeSessionStarted, got)
	}
	if !containsType(got, EventTypeEngineFault) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeEngineFault, got)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeCommandExecuted, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	baseEvent := Event{
		Type:      EventTypeCommandExecuted,
		SessionID: "s-42",
		Severity:  SeverityWarn,
	}

	bus.Publish(baseEvent)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(baseEvent)

	start := time.Now()
	bus.Publish(baseEvent)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning log, got %v", logger.messages())
	}
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	ch := make(chan Event, 1)

	bus.Subscribe(EventTypeSessionRestarted, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Type:      EventTypeSessionRestarted,
		SessionID: "s-7",
		Payload:   map[string]any{"reason": "channel broken"},
		Severity:  SeverityWarn,
	})

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.SessionID != "s-7" {
		t.Fatalf("session id = %q, want %q", got.SessionID, "s-7")
	}
	if got.Severity != SeverityWarn {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityWarn)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&captureLogger{}))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	expectedFromWildcard := int64(publisherCount * eventsPerPublisher)

	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{
					Type:      EventTypeCommandExecuted,
					SessionID: "s-concurrent",
					Payload:   map[string]int{"publisher": i, "index": j},
					Severity:  SeverityInfo,
				})
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeCommandExecuted, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, expectedFromWildcard, 2*time.Second)
}

func containsType(types []string, want string) bool {
	for _, eventType := range types {
		if eventType == want {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
