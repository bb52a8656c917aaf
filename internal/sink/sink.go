// Package sink defines the seam between the scenario engine and the
// external item-value preprocessing pipeline. The pipeline itself is out
// of scope; this package provides the consumed contract plus an
// in-memory implementation for tests and a fan-out helper so a caller
// can compose "push to the real pipeline" with "observe poller health."
package sink

import (
	"sync"
	"time"
)

// Value is one emitted measurement, addressed to a single monitoring
// item.
type Value struct {
	ItemID    int64
	HostID    int64
	Kind      string // "rspcode" | "time" | "speed" | "laststep" | "lasterror"
	Value     string
	Timestamp time.Time
}

// Sink is the preprocessing pipeline's consumed interface.
type Sink interface {
	Submit(v Value)
	Flush()
}

// Memory is an in-memory Sink, useful for tests and for the bundled
// demonstration harness.
type Memory struct {
	Values []Value
	flushes int
	mu      sync.Mutex
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory { return &Memory{} }

// Submit appends v to Values.
func (m *Memory) Submit(v Value) { m.mu.Lock(); m.Values = append(m.Values, v); m.mu.Unlock() }

// Flush records that a flush happened; Memory has nothing to buffer.
func (m *Memory) Flush() { m.mu.Lock(); m.flushes++; m.mu.Unlock() }

// Flushes reports how many times Flush was called.
func (m *Memory) Flushes() int { m.mu.Lock(); defer m.mu.Unlock(); return m.flushes }

// Fanout forwards every Submit/Flush call to all of its sinks, in order.
type Fanout struct {
	Sinks []Sink
}

// NewFanout returns a Sink that mirrors every call across sinks.
func NewFanout(sinks ...Sink) *Fanout { return &Fanout{Sinks: sinks} }

func (f *Fanout) Submit(v Value) {
	for _, s := range f.Sinks {
		s.Submit(v)
	}
}

func (f *Fanout) Flush() {
	for _, s := range f.Sinks {
		s.Flush()
	}
}
