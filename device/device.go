// Package device drives the per-peer WireGuard timers.
//
// The Device consumes the timer stream and turns each event into protocol
// work: keepalives are sealed and written to the peer endpoint, rekeys are
// handed to the handshake layer and retransmitted with a bounded number of
// attempts, and wipes zero stale key material.
package device

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/drio/wgtimer/config"
	"github.com/drio/wgtimer/conn"
	"github.com/drio/wgtimer/peer"
	"github.com/drio/wgtimer/timer"
)

var (
	ErrPeerGone   = errors.New("peer no longer exists")
	ErrNoEndpoint = errors.New("peer has no endpoint")
)

// Config holds the protocol timer constants.
type Config struct {
	RekeyAfter           time.Duration
	RejectAfter          time.Duration
	RekeyTimeout         time.Duration
	KeepaliveTimeout     time.Duration
	MaxHandshakeAttempts uint32
}

// DefaultConfig returns the WireGuard protocol constants.
func DefaultConfig() Config {
	return Config{
		RekeyAfter:           config.DefaultRekeyAfter,
		RejectAfter:          config.DefaultRejectAfter,
		RekeyTimeout:         config.DefaultRekeyTimeout,
		KeepaliveTimeout:     config.DefaultKeepaliveTimeout,
		MaxHandshakeAttempts: config.DefaultMaxHandshakeAttempts,
	}
}

// wipeAfter is how long keys live after a handshake: three times
// RejectAfter, saturating at timer.MaxDelay.
func (c Config) wipeAfter() time.Duration {
	if c.RejectAfter > timer.MaxDelay/3 {
		return timer.MaxDelay
	}
	return 3 * c.RejectAfter
}

// ConfigFrom extracts the device settings from a loaded configuration.
func ConfigFrom(t config.TimersConfig) Config {
	return Config{
		RekeyAfter:           t.RekeyAfter,
		RejectAfter:          t.RejectAfter,
		RekeyTimeout:         t.RekeyTimeout,
		KeepaliveTimeout:     t.KeepaliveTimeout,
		MaxHandshakeAttempts: t.MaxHandshakeAttempts,
	}
}

// Handshaker is the handshake layer. Initiate sends handshake initiation
// number attempt to p; success is reported back through EstablishSession.
type Handshaker interface {
	Initiate(p *peer.Peer, attempt uint32) error
}

// HandshakerFunc adapts a function to Handshaker.
type HandshakerFunc func(p *peer.Peer, attempt uint32) error

func (f HandshakerFunc) Initiate(p *peer.Peer, attempt uint32) error { return f(p, attempt) }

// MessageHandler is implemented by handshake layers that also want the
// handshake datagrams the device reads off the socket.
type MessageHandler interface {
	HandleMessage(data []byte, addr *net.UDPAddr)
}

// Option configures a Device.
type Option func(*Device)

// WithHandshaker attaches the handshake layer.
func WithHandshaker(h Handshaker) Option {
	return func(d *Device) { d.handshaker = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock sets the clock used to timestamp sessions.
func WithClock(c clock.Clock) Option {
	return func(d *Device) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithInbound receives every decrypted, non-keepalive packet.
func WithInbound(fn func(ref peer.Ref, packet []byte)) Option {
	return func(d *Device) { d.inbound = fn }
}

// peerTimers is the device's bookkeeping of a peer's armed events.
type peerTimers struct {
	persistentKeepalive *timer.Handle
	passiveKeepalive    *timer.Handle
	newHandshake        *timer.Handle
	retransmitHandshake *timer.Handle
	zeroKeyMaterial     *timer.Handle

	handshaking       bool
	handshakeAttempts uint32
}

func (pt *peerTimers) cancelAll() {
	pt.persistentKeepalive.Cancel()
	pt.passiveKeepalive.Cancel()
	pt.newHandshake.Cancel()
	pt.retransmitHandshake.Cancel()
	pt.zeroKeyMaterial.Cancel()
}

// Device consumes a Timer on behalf of a peer Table.
type Device struct {
	mutex  sync.Mutex // protects timers
	timers map[peer.ID]*peerTimers

	table      *peer.Table
	timer      *timer.Timer
	udp        conn.UDPConn
	handshaker Handshaker
	inbound    func(peer.Ref, []byte)
	clock      clock.Clock
	logger     *zap.Logger
	config     Config

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Device. The Device takes ownership of tm and udp and
// closes both in Close.
func New(table *peer.Table, tm *timer.Timer, udp conn.UDPConn, cfg Config, opts ...Option) *Device {
	d := &Device{
		timers: make(map[peer.ID]*peerTimers),
		table:  table,
		timer:  tm,
		udp:    udp,
		clock:  clock.New(),
		logger: zap.NewNop(),
		config: cfg,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table returns the peer table the device serves.
func (d *Device) Table() *peer.Table { return d.table }

// Timer returns the timer the device consumes.
func (d *Device) Timer() *timer.Timer { return d.timer }

// UDP returns the UDP connection interface for testing
func (d *Device) UDP() conn.UDPConn { return d.udp }

// Done is closed by Close.
func (d *Device) Done() <-chan struct{} { return d.done }

// Close stops the event loop and releases the timer and the socket.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = multierr.Combine(
			d.timer.Close(),
			d.udp.Close(),
		)
	})
	return err
}

// AddPeer registers a peer and arms its persistent keepalive.
func (d *Device) AddPeer(cfg peer.Config) peer.Ref {
	p, ref := d.table.Add(cfg)

	d.mutex.Lock()
	pt := &peerTimers{}
	d.timers[p.ID()] = pt
	if interval := p.PersistentKeepalive(); interval > 0 {
		pt.persistentKeepalive = d.timer.SendAfter(interval, timer.PersistentKeepAlive{Peer: ref})
	}
	d.mutex.Unlock()

	d.logger.Info("peer added",
		zap.Stringer("peer", ref),
		zap.String("key", p.Fingerprint()),
		zap.Stringer("endpoint", p.Endpoint()),
		zap.Duration("persistent_keepalive", p.PersistentKeepalive()),
	)
	return ref
}

// RemovePeer unregisters a peer and cancels its timers. Events already
// delivered for it still carry its reference, which no longer resolves.
func (d *Device) RemovePeer(id peer.ID) bool {
	d.mutex.Lock()
	if pt, ok := d.timers[id]; ok {
		pt.cancelAll()
		delete(d.timers, id)
	}
	d.mutex.Unlock()

	removed := d.table.Remove(id)
	if removed {
		d.logger.Info("peer removed", zap.Stringer("peer", d.table.Ref(id)))
	}
	return removed
}

// EstablishSession installs the transport keys of a completed handshake,
// stops retransmissions and arms the session's rekey and wipe deadlines.
func (d *Device) EstablishSession(ref peer.Ref, sendKey, recvKey [32]byte, localIndex, remoteIndex uint32) error {
	p, ok := ref.Upgrade()
	if !ok {
		return ErrPeerGone
	}
	p.Session.Establish(sendKey, recvKey, localIndex, remoteIndex, d.clock.Now())

	d.mutex.Lock()
	pt := d.timers[p.ID()]
	if pt != nil {
		pt.retransmitHandshake.Cancel()
		pt.retransmitHandshake = nil
		pt.handshaking = false
		pt.handshakeAttempts = 0

		pt.newHandshake.Cancel()
		pt.newHandshake = d.timer.SendAfter(d.config.RekeyAfter, timer.Rekey{Peer: ref, Attempt: 1})
		pt.zeroKeyMaterial.Cancel()
		pt.zeroKeyMaterial = d.timer.SendAfter(d.config.wipeAfter(), timer.Wipe{Peer: ref})
	}
	d.mutex.Unlock()

	d.logger.Info("session established",
		zap.Stringer("peer", ref),
		zap.Uint32("local_index", localIndex),
		zap.Uint32("remote_index", remoteIndex),
	)
	return nil
}

// ReceivedData records inbound traffic from a peer and arms a passive
// keepalive unless one is already pending.
func (d *Device) ReceivedData(ref peer.Ref) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	pt := d.timers[ref.ID()]
	if pt == nil || pt.passiveKeepalive != nil {
		return
	}
	pt.passiveKeepalive = d.timer.SendAfter(d.config.KeepaliveTimeout, timer.PassiveKeepAlive{Peer: ref})
}

// SentData records outbound traffic to a peer; there is no longer a need
// for a passive keepalive.
func (d *Device) SentData(ref peer.Ref) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	pt := d.timers[ref.ID()]
	if pt == nil {
		return
	}
	pt.passiveKeepalive.Cancel()
	pt.passiveKeepalive = nil
}

// HandshakeAttempts returns the current initiation attempt for a peer and
// whether a handshake is in progress.
func (d *Device) HandshakeAttempts(ref peer.Ref) (uint32, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	pt := d.timers[ref.ID()]
	if pt == nil {
		return 0, false
	}
	return pt.handshakeAttempts, pt.handshaking
}
