package hardware

import (
	"log"
	"sync"
	"time"
)

// Simulated logs the actions it would take and produces synthetic flow
// pulses at a fixed rate while watched.
type Simulated struct {
	interval time.Duration

	mu    sync.Mutex
	quit  chan struct{}
	motor bool
	wg    sync.WaitGroup
}

func NewSimulated(interval time.Duration) *Simulated {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Simulated{interval: interval}
}

func (s *Simulated) StartMotor() bool {
	s.mu.Lock()
	s.motor = true
	s.mu.Unlock()
	log.Println("hardware: simulated motor start")
	return true
}

func (s *Simulated) StopMotor() {
	s.mu.Lock()
	s.motor = false
	s.mu.Unlock()
	log.Println("hardware: simulated motor stop")
}

func (s *Simulated) WatchFlow(pulses chan<- struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quit != nil {
		return ErrWatching
	}
	quit := make(chan struct{})
	s.quit = quit
	s.wg.Add(1)
	go s.generate(pulses, quit)
	return nil
}

func (s *Simulated) generate(pulses chan<- struct{}, quit <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			select {
			case pulses <- struct{}{}:
			case <-quit:
				return
			}
		}
	}
}

// UnwatchFlow stops the generator and waits for it to exit.
func (s *Simulated) UnwatchFlow() error {
	s.mu.Lock()
	quit := s.quit
	s.quit = nil
	s.mu.Unlock()
	if quit == nil {
		return ErrNotWatching
	}
	close(quit)
	s.wg.Wait()
	return nil
}

func (s *Simulated) Simulated() bool { return true }

func (s *Simulated) Cleanup() {
	s.UnwatchFlow()
}
