// transport.go
//
// Sealing and opening of transport data messages. Keepalives are transport
// messages with an empty payload.

package device

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/drio/wgtimer/peer"
)

// Send seals packet for the peer and writes it to its endpoint. Without a
// session it starts a handshake and returns peer.ErrNoSession.
func (d *Device) Send(ref peer.Ref, packet []byte) error {
	p, ok := ref.Upgrade()
	if !ok {
		return ErrPeerGone
	}
	if !p.Session.Valid() {
		d.rekey(p, ref, 1)
		return peer.ErrNoSession
	}
	return d.writeTransport(p, ref, packet)
}

// sendKeepalive writes an empty transport message, or starts a handshake
// when there are no keys to seal it with.
func (d *Device) sendKeepalive(p *peer.Peer, ref peer.Ref) {
	if !p.Session.Valid() {
		d.logger.Debug("keepalive due without session, starting handshake", zap.Stringer("peer", ref))
		d.rekey(p, ref, 1)
		return
	}
	if err := d.writeTransport(p, ref, nil); err != nil {
		d.logger.Warn("failed to send keepalive", zap.Stringer("peer", ref), zap.Error(err))
		return
	}
	d.logger.Debug("sent keepalive", zap.Stringer("peer", ref))
}

func (d *Device) writeTransport(p *peer.Peer, ref peer.Ref, payload []byte) error {
	endpoint := p.Endpoint()
	if endpoint == nil {
		return ErrNoEndpoint
	}

	remoteIndex, counter, ciphertext, err := p.Session.Seal(payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt packet: %w", err)
	}

	msg := MarshalTransportData(remoteIndex, counter, ciphertext)
	if _, err := d.udp.WriteToUDP(msg, endpoint); err != nil {
		return fmt.Errorf("failed to send encrypted packet: %w", err)
	}

	d.SentData(ref)
	return nil
}

// handleTransportData authenticates an inbound transport message and
// accounts it to its peer.
func (d *Device) handleTransportData(data []byte, addr *net.UDPAddr) error {
	receiver, counter, ciphertext, err := UnmarshalTransportData(data)
	if err != nil {
		return fmt.Errorf("failed to parse transport data: %w", err)
	}

	p, ok := d.table.LookupIndex(receiver)
	if !ok {
		return fmt.Errorf("no session for receiver index %d", receiver)
	}

	plaintext, err := p.Session.Open(receiver, counter, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt packet: %w", err)
	}

	ref := d.table.Ref(p.ID())
	if len(plaintext) == 0 {
		d.logger.Debug("received keepalive", zap.Stringer("peer", ref), zap.Stringer("addr", addr))
		return nil
	}

	d.ReceivedData(ref)
	if d.inbound != nil {
		d.inbound(ref, plaintext)
	}
	return nil
}
