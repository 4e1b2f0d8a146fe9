package telemetry

import (
	"log"
	"time"
)

type sample struct {
	module string
	name   string
	v      float64
}

// sink mirrors gauge values to one remote service from its own goroutine.
// Each feed is sent at most once per every.
type sink struct {
	name  string
	every time.Duration
	send  func(module, name string, v float64) error
	count func(event string)

	queue chan sample
	last  map[string]time.Time
	quit  chan struct{}
	done  chan struct{}
}

func (t *Client) addSink(name string, every time.Duration, send func(module, name string, v float64) error) *sink {
	s := &sink{
		name:  name,
		every: every,
		send:  send,
		count: func(event string) { t.Count("telemetry", name+"_"+event) },
		queue: make(chan sample, sinkQueue),
		last:  make(map[string]time.Time),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.sinks = append(t.sinks, s)
	go s.run()
	return s
}

func (s *sink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case m := <-s.queue:
			s.deliver(m)
		}
	}
}

func (s *sink) deliver(m sample) {
	key := m.module + "/" + m.name
	now := time.Now()
	if s.every > 0 {
		if last, ok := s.last[key]; ok && now.Sub(last) < s.every {
			s.count("throttled")
			return
		}
	}
	s.last[key] = now
	if err := s.send(m.module, m.name, m.v); err != nil {
		log.Println("ERROR: telemetry:", s.name, err)
		s.count("failed")
		return
	}
	s.count("sent")
}
