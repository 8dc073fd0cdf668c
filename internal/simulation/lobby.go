// Package simulation defines the contract between the session layer and a
// game simulation, and provides a small lobby engine that satisfies it.
package simulation

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/protocol"
)

// Engine consumes identity-tagged requests and produces events. The host
// router is its only network-facing peer.
type Engine interface {
	// Run processes commands until ctx is done or commands is closed, and
	// closes events when it returns.
	Run(ctx context.Context, commands <-chan protocol.Command, events chan<- protocol.ServerEvent) error
}

// speed is how far an entity moves per second at full axis deflection.
const speed = 4.0

// EntityState is one entity as published in a snapshot payload.
type EntityState struct {
	ID       protocol.EntityID   `json:"id"`
	Owner    protocol.ClientID   `json:"owner"`
	Position protocol.Vec2       `json:"position"`
	Input    protocol.InputFrame `json:"input"`
}

// WorldState is the snapshot payload the lobby publishes every tick.
type WorldState struct {
	Tick     uint64        `json:"tick"`
	Entities []EntityState `json:"entities"`
}

// Lobby tracks who controls which entity and integrates their movement.
// Its state is owned by the goroutine running Run.
type Lobby struct {
	cfg    config.SimulationConfig
	logger *zap.Logger
	ticks  <-chan time.Time

	entities   map[protocol.EntityID]*EntityState
	nextEntity protocol.EntityID
	tick       uint64
}

// NewLobby creates a lobby engine. A nil ticks channel makes Run tick at
// cfg.TickRate.
//
// Precondition: cfg.TickRate >= 1 and cfg.MaxEntities >= 1; logger must be non-nil.
func NewLobby(cfg config.SimulationConfig, logger *zap.Logger, ticks <-chan time.Time) *Lobby {
	return &Lobby{
		cfg:        cfg,
		logger:     logger,
		ticks:      ticks,
		entities:   make(map[protocol.EntityID]*EntityState),
		nextEntity: 1,
	}
}

// Run implements Engine.
func (l *Lobby) Run(ctx context.Context, commands <-chan protocol.Command, events chan<- protocol.ServerEvent) error {
	defer close(events)

	ticks := l.ticks
	if ticks == nil {
		ticker := time.NewTicker(time.Second / time.Duration(l.cfg.TickRate))
		defer ticker.Stop()
		ticks = ticker.C
	}
	dt := float32(1) / float32(l.cfg.TickRate)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			for _, ev := range l.apply(cmd) {
				if !emit(ctx, events, ev) {
					return nil
				}
			}
		case <-ticks:
			l.step(dt)
			ev, err := l.snapshot()
			if err != nil {
				l.logger.Error("encoding world state", zap.Uint64("tick", l.tick), zap.Error(err))
				continue
			}
			if !emit(ctx, events, ev) {
				return nil
			}
		}
	}
}

func emit(ctx context.Context, events chan<- protocol.ServerEvent, ev protocol.ServerEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// apply handles one command and returns the events it produced.
func (l *Lobby) apply(cmd protocol.Command) []protocol.ServerEvent {
	switch cmd.Request.Type {
	case protocol.RequestAdd:
		if len(l.entities) >= l.cfg.MaxEntities {
			l.logger.Warn("lobby full, ignoring add",
				zap.Uint32("client_id", uint32(cmd.Client)),
				zap.Int("max_entities", l.cfg.MaxEntities),
			)
			return nil
		}
		id := l.nextEntity
		l.nextEntity++
		l.entities[id] = &EntityState{ID: id, Owner: cmd.Client}
		l.logger.Info("player added",
			zap.Uint32("entity", uint32(id)),
			zap.Uint32("client_id", uint32(cmd.Client)),
		)
		return []protocol.ServerEvent{protocol.AddedPlayerEvent(id, cmd.Client)}

	case protocol.RequestRemove:
		if e, ok := l.owned(cmd.Request.ID, cmd.Client); ok {
			delete(l.entities, e.ID)
			l.logger.Info("player removed", zap.Uint32("entity", uint32(e.ID)))
		}

	case protocol.RequestInput:
		if e, ok := l.owned(cmd.Request.EntityID, cmd.Client); ok && cmd.Request.Frame != nil {
			e.Input = *cmd.Request.Frame
		}

	case protocol.RequestLeave:
		for id, e := range l.entities {
			if e.Owner == cmd.Client {
				delete(l.entities, id)
			}
		}
		l.logger.Debug("client entities released", zap.Uint32("client_id", uint32(cmd.Client)))
	}
	return nil
}

// owned returns entity id if client controls it.
func (l *Lobby) owned(id protocol.EntityID, client protocol.ClientID) (*EntityState, bool) {
	e, ok := l.entities[id]
	if !ok || e.Owner != client {
		l.logger.Debug("ignoring request for entity not owned by client",
			zap.Uint32("entity", uint32(id)),
			zap.Uint32("client_id", uint32(client)),
		)
		return nil, false
	}
	return e, true
}

func (l *Lobby) step(dt float32) {
	l.tick++
	for _, e := range l.entities {
		e.Position.X += e.Input.MoveAxis.X * speed * dt
		e.Position.Y += e.Input.MoveAxis.Y * speed * dt
	}
}

func (l *Lobby) snapshot() (protocol.ServerEvent, error) {
	state := WorldState{Tick: l.tick, Entities: make([]EntityState, 0, len(l.entities))}
	for _, e := range l.entities {
		state.Entities = append(state.Entities, *e)
	}
	sort.Slice(state.Entities, func(i, j int) bool { return state.Entities[i].ID < state.Entities[j].ID })

	payload, err := json.Marshal(state)
	if err != nil {
		return protocol.ServerEvent{}, err
	}
	return protocol.SnapshotEvent(protocol.Snapshot{Tick: l.tick, Payload: payload}), nil
}
