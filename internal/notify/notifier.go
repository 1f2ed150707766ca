// Package notify pushes fleet events to operators through Shoutrrr.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"

	"sutmaster/internal/events"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier subscribes to operator-relevant events and dispatches them on
// its own goroutine. The bus handler only enqueues, so a slow or failing
// notification service never stalls the connection path.
type Notifier struct {
	url    string
	bus    *events.Bus
	sender Sender

	queue  chan events.Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a notifier sending to the given Shoutrrr URL. A nil sender
// selects the real Shoutrrr dispatcher.
func New(url string, bus *events.Bus, sender Sender) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{
		url:    url,
		bus:    bus,
		sender: sender,
		queue:  make(chan events.Event, 256),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins dispatching.
func (n *Notifier) Start() {
	n.bus.Subscribe(func(e events.Event) {
		select {
		case n.queue <- e:
		default:
			log.Printf("[Notify] Queue full, dropping %s event", e.Type)
		}
	}, events.SUTOffline, events.KeyExchangeFailed, events.DeviceRemoved)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case e := <-n.queue:
				n.dispatch(e)
			case <-n.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-n.queue:
						n.dispatch(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatch goroutine to finish and waits for it.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Notifier) dispatch(e events.Event) {
	msg := formatMessage(e)
	if err := n.sender.Send(n.url, msg); err != nil {
		log.Printf("[Notify] Send failed: %v", err)
	}
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	if e.SUTID != "" {
		return fmt.Sprintf("[%s] [%s] %s", e.Severity, e.SUTID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Message)
}
