package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// The bus carries two families of traffic: connection lifecycle
// (sut_online/sut_offline) and trust exchange. A subscriber for one family
// must never see the other.
func TestSubscribersOnlySeeTheirEventKinds(t *testing.T) {
	bus := NewBus()

	var lifecycle, trust []Event
	bus.Subscribe(func(e Event) {
		lifecycle = append(lifecycle, e)
	}, SUTOnline, SUTOffline)
	bus.Subscribe(func(e Event) {
		trust = append(trust, e)
	}, MasterKeyInstalled, KeyExchangeFailed)

	bus.Publish(Event{Type: SUTOnline, SUTID: "sut-1", Data: map[string]string{"ip": "10.0.0.5"}})
	bus.Publish(Event{Type: MasterKeyInstalled, SUTID: "sut-1"})
	bus.Publish(Event{Type: SUTOffline, SUTID: "sut-1", Severity: SeverityWarning})
	bus.Publish(Event{Type: KeyExchangeFailed, SUTID: "sut-2", Severity: SeverityWarning})
	bus.Publish(Event{Type: DeviceRemoved, SUTID: "sut-3"}) // neither family

	if len(lifecycle) != 2 || lifecycle[0].Type != SUTOnline || lifecycle[1].Type != SUTOffline {
		t.Errorf("lifecycle subscriber saw %v", lifecycle)
	}
	if lifecycle[0].Data["ip"] != "10.0.0.5" {
		t.Error("event data did not travel with the online event")
	}
	if len(trust) != 2 || trust[0].SUTID != "sut-1" || trust[1].SUTID != "sut-2" {
		t.Errorf("trust subscriber saw %v", trust)
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	bus.Subscribe(func(e Event) {
		count.Add(1)
	})

	bus.Publish(Event{Type: SUTOnline, SUTID: "sut-1"})
	bus.Publish(Event{Type: SUTOffline, SUTID: "sut-1"})
	bus.Publish(Event{Type: DeviceRemoved, SUTID: "sut-1"})

	if count.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", count.Load())
	}
}

// Observer-facing subscribers (the SSE broker, the notifier) enqueue
// non-blocking and drop when their buffer is full. Publishing on the
// connection path must complete even when every observer queue is stuffed.
func TestPublishNeverBlocksOnFullObserverQueue(t *testing.T) {
	bus := NewBus()
	queue := make(chan Event, 2)

	bus.Subscribe(func(e Event) {
		select {
		case queue <- e:
		default:
			// observer too slow — drop
		}
	}, SUTOnline, SUTOffline)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Type: SUTOffline, SUTID: "sut-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full observer queue")
	}
	if len(queue) != 2 {
		t.Errorf("queue holds %d events, want the 2 that fit", len(queue))
	}
}

// The connection manager relies on dispatch order: the registry-facing
// handler registered first must observe sut_online before the SSE broker
// fans it out.
func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	var mu sync.Mutex

	for i := range 5 {
		bus.Subscribe(func(e Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, SUTOnline)
	}

	bus.Publish(Event{Type: SUTOnline})

	for i, got := range order {
		if got != i {
			t.Fatalf("handler order = %v, want ascending", order)
		}
	}
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	bus := NewBus()
	var stamped, preserved time.Time

	bus.Subscribe(func(e Event) {
		switch e.Type {
		case SUTOnline:
			stamped = e.Timestamp
		case SUTOffline:
			preserved = e.Timestamp
		}
	})

	explicit := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: SUTOnline, SUTID: "sut-1"})
	bus.Publish(Event{Type: SUTOffline, SUTID: "sut-1", Timestamp: explicit})

	if stamped.IsZero() {
		t.Error("publish should stamp a missing timestamp")
	}
	if !preserved.Equal(explicit) {
		t.Errorf("explicit timestamp rewritten: %v", preserved)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	var wg sync.WaitGroup

	// Subscribe concurrently
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(func(e Event) {
				count.Add(1)
			}, SUTOnline)
		}()
	}
	wg.Wait()

	// Publish concurrently
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: SUTOnline, SUTID: "sut-1"})
		}()
	}
	wg.Wait()

	expected := int32(10 * 100)
	if count.Load() != expected {
		t.Errorf("expected %d, got %d", expected, count.Load())
	}
}

// A panicking observer must not take down the connection path or starve
// the subscribers registered after it.
func TestPanicInSubscriberDoesNotCrash(t *testing.T) {
	bus := NewBus()
	var notified atomic.Bool

	bus.Subscribe(func(e Event) {
		panic("broken observer")
	}, KeyExchangeFailed)

	bus.Subscribe(func(e Event) {
		notified.Store(true)
	}, KeyExchangeFailed)

	bus.Publish(Event{Type: KeyExchangeFailed, SUTID: "sut-1", Severity: SeverityWarning})

	if !notified.Load() {
		t.Error("subscriber after the panicking one was starved")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
