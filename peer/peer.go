// Package peer holds the registry of remote peers and the non-owning
// references the timer subsystem carries around.
//
// A Ref never keeps a Peer alive. Once the Peer is removed from its Table
// every Ref pointing at it fails to Upgrade, and IDs are never reused so a
// stale Ref cannot alias a newer peer.
package peer

import (
	"encoding/base64"
	"net"
	"time"

	"golang.org/x/crypto/blake2s"
)

// ID identifies a peer within one Table. Zero is never assigned.
type ID uint64

// Config describes a peer being added to a Table.
type Config struct {
	PublicKey           [32]byte
	Endpoint            *net.UDPAddr
	PersistentKeepalive time.Duration // zero disables persistent keepalives
}

// Peer is a remote endpoint of the tunnel.
type Peer struct {
	id                  ID
	publicKey           [32]byte
	endpoint            *net.UDPAddr
	persistentKeepalive time.Duration

	Session Session
}

func (p *Peer) ID() ID                             { return p.id }
func (p *Peer) PublicKey() [32]byte                { return p.publicKey }
func (p *Peer) Endpoint() *net.UDPAddr             { return p.endpoint }
func (p *Peer) PersistentKeepalive() time.Duration { return p.persistentKeepalive }

// Fingerprint returns a short printable identifier derived from the
// peer's public key. It is only meant for logs.
func (p *Peer) Fingerprint() string {
	return Fingerprint(p.publicKey)
}

// Fingerprint hashes a public key with BLAKE2s and returns the first six
// bytes base64 encoded.
func Fingerprint(publicKey [32]byte) string {
	sum := blake2s.Sum256(publicKey[:])
	return base64.RawStdEncoding.EncodeToString(sum[:6])
}
