// Package protocol defines the wire envelopes exchanged between a host and
// its clients, and the codecs that turn them into datagram payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when a decoded envelope carries a tag this
	// version of the protocol does not know.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a known tag is missing a required field.
	ErrMalformed = errors.New("malformed message")
)

// ClientID is the host-assigned identity of a participant.
type ClientID uint32

// LocalClientID is reserved for the player embedded in the host process.
// It is never issued to a remote peer.
const LocalClientID ClientID = 0

// IsLocal reports whether id identifies the host's own player.
func (id ClientID) IsLocal() bool { return id == LocalClientID }

// EntityID identifies a controllable entity owned by the simulation.
type EntityID uint32

// RequestType tags a ClientRequest variant on the wire.
type RequestType string

const (
	RequestJoin   RequestType = "Join"
	RequestIdle   RequestType = "Idle"
	RequestAdd    RequestType = "Add"
	RequestRemove RequestType = "Remove"
	RequestInput  RequestType = "Input"
	RequestLeave  RequestType = "Leave"
)

// ClientRequest is the tagged union of everything a client may ask of the host.
// Only the fields belonging to Type are meaningful.
type ClientRequest struct {
	Type RequestType `json:"type"`
	// ID is the entity to remove (Remove).
	ID EntityID `json:"id,omitempty"`
	// EntityID is the entity the input frame drives (Input).
	EntityID EntityID `json:"entity_id,omitempty"`
	// Frame is the sampled input (Input).
	Frame *InputFrame `json:"frame,omitempty"`
}

// JoinRequest asks the host for an identity.
func JoinRequest() ClientRequest { return ClientRequest{Type: RequestJoin} }

// IdleRequest is the liveness heartbeat.
func IdleRequest() ClientRequest { return ClientRequest{Type: RequestIdle} }

// AddRequest asks the simulation for a new controllable entity.
func AddRequest() ClientRequest { return ClientRequest{Type: RequestAdd} }

// LeaveRequest announces an explicit disconnect.
func LeaveRequest() ClientRequest { return ClientRequest{Type: RequestLeave} }

// RemoveRequest asks the simulation to drop entity id.
func RemoveRequest(id EntityID) ClientRequest {
	return ClientRequest{Type: RequestRemove, ID: id}
}

// InputRequest carries one input frame for entity.
func InputRequest(entity EntityID, frame InputFrame) ClientRequest {
	return ClientRequest{Type: RequestInput, EntityID: entity, Frame: &frame}
}

// Validate checks that the variant tag is known and its required fields are present.
func (r ClientRequest) Validate() error {
	switch r.Type {
	case RequestJoin, RequestIdle, RequestAdd, RequestRemove, RequestLeave:
		return nil
	case RequestInput:
		if r.Frame == nil {
			return fmt.Errorf("%w: Input without frame", ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: request %q", ErrUnknownType, r.Type)
	}
}

// ClientMessage is the inbound envelope. ClientID is nil only while the
// sender has not yet been assigned an identity.
type ClientMessage struct {
	ClientID *ClientID     `json:"client_id,omitempty"`
	Request  ClientRequest `json:"request"`
}

// NewClientMessage wraps req with the sender identity, if known.
func NewClientMessage(id *ClientID, req ClientRequest) ClientMessage {
	if id != nil {
		v := *id
		id = &v
	}
	return ClientMessage{ClientID: id, Request: req}
}

// Command is a request resolved to the identity that issued it. It is the
// unit the simulation consumes.
type Command struct {
	Request ClientRequest
	Client  ClientID
}

// EventType tags a ServerEvent variant on the wire.
type EventType string

const (
	EventJoined        EventType = "Joined"
	EventWorldSnapshot EventType = "WorldSnapshot"
	EventAddedPlayer   EventType = "AddedPlayer"
)

// Snapshot is one simulation tick of world state. Payload is opaque to the
// network layer.
type Snapshot struct {
	Tick    uint64          `json:"tick"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the tagged union of everything the host tells its clients.
type ServerEvent struct {
	Type EventType `json:"type"`
	// ClientID is the assigned identity, or nil for a rejection (Joined).
	ClientID *ClientID `json:"client_id,omitempty"`
	// Snapshot is the broadcast world state (WorldSnapshot).
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	// Entity and Client describe a newly spawned player (AddedPlayer).
	Entity EntityID `json:"entity,omitempty"`
	Client ClientID `json:"client,omitempty"`
}

// JoinedEvent acknowledges a join with the assigned identity.
func JoinedEvent(id ClientID) ServerEvent {
	return ServerEvent{Type: EventJoined, ClientID: &id}
}

// RejectedEvent is a Joined carrying no identity.
func RejectedEvent() ServerEvent { return ServerEvent{Type: EventJoined} }

// SnapshotEvent wraps s for broadcast.
func SnapshotEvent(s Snapshot) ServerEvent {
	return ServerEvent{Type: EventWorldSnapshot, Snapshot: &s}
}

// AddedPlayerEvent tells client which entity it now controls.
func AddedPlayerEvent(entity EntityID, client ClientID) ServerEvent {
	return ServerEvent{Type: EventAddedPlayer, Entity: entity, Client: client}
}

// IsBroadcast reports whether e goes to every participant.
func (e ServerEvent) IsBroadcast() bool { return e.Type == EventWorldSnapshot }

// Validate checks that the variant tag is known and its required fields are present.
func (e ServerEvent) Validate() error {
	switch e.Type {
	case EventJoined, EventAddedPlayer:
		return nil
	case EventWorldSnapshot:
		if e.Snapshot == nil {
			return fmt.Errorf("%w: WorldSnapshot without snapshot", ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: event %q", ErrUnknownType, e.Type)
	}
}
