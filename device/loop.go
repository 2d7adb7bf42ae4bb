// loop.go
//
// The event loop. A reader goroutine feeds inbound datagrams into a
// buffered channel; the loop multiplexes it with the timer stream.
//
// Flow control: the reader drops datagrams when the loop falls behind, the
// timer never drops: its own queue applies backpressure instead.

package device

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/drio/wgtimer/peer"
	"github.com/drio/wgtimer/timer"
)

const (
	MaxPacketSize = 2048
	EventBuffer   = 64
)

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// Run consumes timer events and inbound datagrams until ctx is done or the
// device is closed. If the timer subsystem fails it returns that fault.
func (d *Device) Run(ctx context.Context) error {
	d.logger.Info("starting timer event loop")

	datagrams := make(chan datagram, EventBuffer)
	go d.udpReader(datagrams)

	for {
		select {
		case msg := <-d.timer.C():
			d.handleTimerMessage(msg)

		case dg := <-datagrams:
			d.handleDatagram(dg)

		case <-d.timer.Done():
			if err := d.timer.Err(); err != nil {
				return fmt.Errorf("timer subsystem: %w", err)
			}
			d.logger.Info("timer closed, event loop shutting down")
			return nil

		case <-d.done:
			d.logger.Info("event loop shutting down")
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// udpReader reads datagrams from the socket and hands them to the loop
func (d *Device) udpReader(out chan<- datagram) {
	for {
		buf := make([]byte, MaxPacketSize)
		n, addr, err := d.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-d.done:
				return
			default:
			}
			d.logger.Warn("UDP read error", zap.Error(err))
			continue
		}

		// Non-blocking send - drop datagram if main loop is overwhelmed
		select {
		case out <- datagram{data: buf[:n], addr: addr}:
		case <-d.done:
			return
		default:
			d.logger.Debug("datagram dropped - queue full", zap.Stringer("addr", addr))
		}
	}
}

func (d *Device) handleDatagram(dg datagram) {
	switch t := messageType(dg.data); t {
	case MessageTypeTransportData:
		if err := d.handleTransportData(dg.data, dg.addr); err != nil {
			d.logger.Debug("dropping transport data", zap.Stringer("addr", dg.addr), zap.Error(err))
		}
	case MessageTypeHandshakeInitiation, MessageTypeHandshakeResponse, MessageTypeCookieReply:
		if h, ok := d.handshaker.(MessageHandler); ok {
			h.HandleMessage(dg.data, dg.addr)
			return
		}
		d.logger.Debug("no handshake layer for message", zap.Uint8("type", t), zap.Stringer("addr", dg.addr))
	default:
		d.logger.Debug("unknown message type", zap.Uint8("type", t), zap.Stringer("addr", dg.addr))
	}
}

// handleTimerMessage turns one timer event into protocol work.
func (d *Device) handleTimerMessage(msg timer.Message) {
	ref := msg.PeerRef()
	p, ok := ref.Upgrade()
	if !ok {
		d.logger.Debug("dropping timer message for removed peer", zap.Stringer("message", msg))
		return
	}

	switch m := msg.(type) {
	case timer.PersistentKeepAlive:
		d.mutex.Lock()
		if pt := d.timers[p.ID()]; pt != nil && p.PersistentKeepalive() > 0 {
			pt.persistentKeepalive = d.timer.SendAfter(p.PersistentKeepalive(), timer.PersistentKeepAlive{Peer: ref})
		}
		d.mutex.Unlock()
		d.sendKeepalive(p, ref)

	case timer.PassiveKeepAlive:
		d.mutex.Lock()
		if pt := d.timers[p.ID()]; pt != nil {
			pt.passiveKeepalive = nil
		}
		d.mutex.Unlock()
		d.sendKeepalive(p, ref)

	case timer.Rekey:
		d.rekey(p, ref, m.Attempt)

	case timer.Wipe:
		d.wipe(p, ref)

	default:
		d.logger.Warn("unexpected timer message", zap.Stringer("message", msg))
	}
}

// rekey sends handshake initiation number attempt and arms its
// retransmission. Past MaxHandshakeAttempts the session is wiped.
func (d *Device) rekey(p *peer.Peer, ref peer.Ref, attempt uint32) {
	d.mutex.Lock()
	pt := d.timers[p.ID()]
	if pt == nil {
		d.mutex.Unlock()
		return
	}
	if attempt <= 1 && pt.handshaking {
		d.mutex.Unlock()
		d.logger.Debug("handshake already in progress - skipping initiation", zap.Stringer("peer", ref))
		return
	}
	if attempt > 1 && !pt.handshaking {
		// Retransmission delivered after the handshake completed.
		d.mutex.Unlock()
		return
	}
	if attempt > d.config.MaxHandshakeAttempts {
		pt.handshaking = false
		pt.retransmitHandshake = nil
		d.mutex.Unlock()
		d.logger.Warn("handshake did not complete, giving up",
			zap.Stringer("peer", ref),
			zap.Uint32("attempts", attempt-1),
		)
		d.wipe(p, ref)
		return
	}

	if attempt <= 1 {
		pt.newHandshake.Cancel()
		pt.newHandshake = nil
	}
	pt.handshaking = true
	pt.handshakeAttempts = attempt
	pt.retransmitHandshake = d.timer.SendAfter(d.config.RekeyTimeout, timer.Rekey{Peer: ref, Attempt: attempt + 1})
	d.mutex.Unlock()

	if d.handshaker == nil {
		d.logger.Debug("no handshake layer attached", zap.Stringer("peer", ref), zap.Uint32("attempt", attempt))
		return
	}

	d.logger.Info("initiating handshake", zap.Stringer("peer", ref), zap.Uint32("attempt", attempt))
	if err := d.handshaker.Initiate(p, attempt); err != nil {
		d.logger.Warn("failed to initiate handshake",
			zap.Stringer("peer", ref),
			zap.Uint32("attempt", attempt),
			zap.Error(err),
		)
	}
}

// wipe zeroes the peer's keys and cancels everything that depends on them.
// The persistent keepalive survives; it will ask for a new handshake.
func (d *Device) wipe(p *peer.Peer, ref peer.Ref) {
	p.Session.Zero()

	d.mutex.Lock()
	if pt := d.timers[p.ID()]; pt != nil {
		pt.passiveKeepalive.Cancel()
		pt.newHandshake.Cancel()
		pt.retransmitHandshake.Cancel()
		pt.zeroKeyMaterial.Cancel()
		pt.passiveKeepalive = nil
		pt.newHandshake = nil
		pt.retransmitHandshake = nil
		pt.zeroKeyMaterial = nil
		pt.handshaking = false
		pt.handshakeAttempts = 0
	}
	d.mutex.Unlock()

	d.logger.Info("session wiped", zap.Stringer("peer", ref))
}
