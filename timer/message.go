package timer

import (
	"fmt"

	"github.com/drio/wgtimer/peer"
)

// Message is a protocol event delivered when its delay elapses.
// It is one of PersistentKeepAlive, PassiveKeepAlive, Rekey or Wipe.
type Message interface {
	fmt.Stringer

	// PeerRef returns the non-owning reference the event targets. The
	// timer never resolves it.
	PeerRef() peer.Ref

	isMessage()
}

// PersistentKeepAlive asks for a keepalive irrespective of traffic.
type PersistentKeepAlive struct {
	Peer peer.Ref
}

// PassiveKeepAlive asks for a keepalive because data arrived and nothing
// was sent back.
type PassiveKeepAlive struct {
	Peer peer.Ref
}

// Rekey asks for a new handshake. Attempt starts at 1 and grows with each
// retransmission.
type Rekey struct {
	Peer    peer.Ref
	Attempt uint32
}

// Wipe asks for the session of a stale peer to be torn down.
type Wipe struct {
	Peer peer.Ref
}

func (m PersistentKeepAlive) PeerRef() peer.Ref { return m.Peer }
func (m PassiveKeepAlive) PeerRef() peer.Ref    { return m.Peer }
func (m Rekey) PeerRef() peer.Ref               { return m.Peer }
func (m Wipe) PeerRef() peer.Ref                { return m.Peer }

func (PersistentKeepAlive) isMessage() {}
func (PassiveKeepAlive) isMessage()    {}
func (Rekey) isMessage()               {}
func (Wipe) isMessage()                {}

func (m PersistentKeepAlive) String() string { return fmt.Sprintf("PersistentKeepAlive(%v)", m.Peer) }
func (m PassiveKeepAlive) String() string    { return fmt.Sprintf("PassiveKeepAlive(%v)", m.Peer) }
func (m Rekey) String() string               { return fmt.Sprintf("Rekey(%v, %d)", m.Peer, m.Attempt) }
func (m Wipe) String() string                { return fmt.Sprintf("Wipe(%v)", m.Peer) }
