package host

import "github.com/cory-johannsen/netplay/internal/protocol"

// Sequence issues remote client identities in strictly increasing order.
// Each Router owns one; tests inject their own to get predictable ids.
type Sequence struct {
	next protocol.ClientID
}

// NewSequence returns a sequence whose first identity is first.
//
// Precondition: first must not be protocol.LocalClientID.
func NewSequence(first protocol.ClientID) *Sequence {
	if first.IsLocal() {
		panic("host.NewSequence: first identity collides with the local player")
	}
	return &Sequence{next: first}
}

// Next returns the next unused identity.
func (s *Sequence) Next() protocol.ClientID {
	id := s.next
	s.next++
	return id
}
