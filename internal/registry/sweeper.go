package registry

import (
	"log"
	"sync"
	"time"
)

// Sweeper periodically removes stale devices in the background. Its
// lifetime is independent of device sessions; stopping it never waits for
// in-flight connections to drain.
type Sweeper struct {
	registry *Registry
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewSweeper creates a sweeper that runs one sweep per interval.
func NewSweeper(r *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: r,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	log.Printf("[Sweep] Stale-device sweeper started (interval=%s)", s.interval)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	log.Println("[Sweep] Stale-device sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.registry.RemoveStale(nil)
		}
	}
}
