// Package host implements the host side of a session: it assigns client
// identities, keeps the address registry, authorizes inbound requests and
// fans simulation events out to remote clients and the host's own player.
package host

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/cory-johannsen/netplay/internal/protocol"
)

// Peer is one registered remote client.
type Peer struct {
	ID   protocol.ClientID `json:"id"`
	Addr netip.AddrPort    `json:"addr"`
}

// Registry is the bijection between peer addresses and client identities.
// It is not safe for concurrent use; the Router goroutine owns it.
//
// Invariant: byAddr and byID always hold exactly the same pairs.
type Registry struct {
	byAddr map[netip.AddrPort]protocol.ClientID
	byID   map[protocol.ClientID]netip.AddrPort
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddr: make(map[netip.AddrPort]protocol.ClientID),
		byID:   make(map[protocol.ClientID]netip.AddrPort),
	}
}

// Lookup returns the identity registered for addr.
func (r *Registry) Lookup(addr netip.AddrPort) (protocol.ClientID, bool) {
	id, ok := r.byAddr[addr]
	return id, ok
}

// Addr returns the address registered for id.
func (r *Registry) Addr(id protocol.ClientID) (netip.AddrPort, bool) {
	addr, ok := r.byID[id]
	return addr, ok
}

// Register records addr <-> id.
//
// Precondition: id must not be protocol.LocalClientID.
// Postcondition: Returns an error and leaves the registry unchanged if either
// side is already mapped.
func (r *Registry) Register(addr netip.AddrPort, id protocol.ClientID) error {
	if id.IsLocal() {
		return fmt.Errorf("registering %s: identity %d is reserved for the local player", addr, id)
	}
	if existing, ok := r.byAddr[addr]; ok {
		return fmt.Errorf("registering %s: address already holds identity %d", addr, existing)
	}
	if existing, ok := r.byID[id]; ok {
		return fmt.Errorf("registering identity %d: already bound to %s", id, existing)
	}
	r.byAddr[addr] = id
	r.byID[id] = addr
	return nil
}

// Remove purges id and returns the address it held.
func (r *Registry) Remove(id protocol.ClientID) (netip.AddrPort, bool) {
	addr, ok := r.byID[id]
	if !ok {
		return netip.AddrPort{}, false
	}
	delete(r.byID, id)
	delete(r.byAddr, addr)
	return addr, true
}

// Len returns the number of registered peers.
func (r *Registry) Len() int { return len(r.byID) }

// Peers returns every registered peer ordered by identity.
func (r *Registry) Peers() []Peer {
	peers := make([]Peer, 0, len(r.byID))
	for id, addr := range r.byID {
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
