// Package liveness detects silent clients. It keeps one counter per tracked
// identity, advances every counter on an external tick and reports each
// identity whose counter passes the threshold exactly once.
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/protocol"
)

// Op selects what a Command does to a counter.
type Op int

const (
	// Track starts counting an identity at 0.
	Track Op = iota
	// Reset sets a tracked identity's counter back to 0.
	Reset
	// Forget stops tracking without reporting a death.
	Forget
)

func (o Op) String() string {
	switch o {
	case Track:
		return "track"
	case Reset:
		return "reset"
	case Forget:
		return "forget"
	default:
		return "unknown"
	}
}

// Command is one instruction from the host router. All commands share one
// channel so their relative order is preserved.
type Command struct {
	Op Op
	ID protocol.ClientID
}

// Tracker owns the silence counters. Nothing else reads or writes them.
type Tracker struct {
	threshold int
	counters  map[protocol.ClientID]int
	logger    *zap.Logger
}

// NewTracker returns a tracker that declares an identity dead once its
// counter exceeds threshold.
//
// Precondition: threshold >= 1; logger must be non-nil.
func NewTracker(threshold int, logger *zap.Logger) *Tracker {
	if threshold < 1 {
		panic("liveness.NewTracker: threshold must be >= 1")
	}
	return &Tracker{
		threshold: threshold,
		counters:  make(map[protocol.ClientID]int),
		logger:    logger,
	}
}

// Run applies commands and ticks until ctx is done or commands is closed.
// Each dead identity is sent on died once and is no longer tracked; a later
// Reset for it is ignored.
//
// Postcondition: died is not closed; the caller owns it.
func (t *Tracker) Run(ctx context.Context, commands <-chan Command, ticks <-chan time.Time, died chan<- protocol.ClientID) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			t.apply(cmd)
		case _, ok := <-ticks:
			if !ok {
				return
			}
			for _, id := range t.tick() {
				select {
				case died <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (t *Tracker) apply(cmd Command) {
	switch cmd.Op {
	case Track:
		t.counters[cmd.ID] = 0
	case Reset:
		if _, ok := t.counters[cmd.ID]; ok {
			t.counters[cmd.ID] = 0
		}
	case Forget:
		delete(t.counters, cmd.ID)
	}
}

// tick advances every counter by one and removes and returns the identities
// that passed the threshold.
func (t *Tracker) tick() []protocol.ClientID {
	var dead []protocol.ClientID
	for id := range t.counters {
		t.counters[id]++
		if t.counters[id] > t.threshold {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(t.counters, id)
		t.logger.Info("client timed out",
			zap.Uint32("client_id", uint32(id)),
			zap.Int("threshold", t.threshold),
		)
	}
	return dead
}

// Tracked returns the number of identities currently counted.
// Only safe to call from the goroutine running Run, or before Run starts.
func (t *Tracker) Tracked() int {
	return len(t.counters)
}
