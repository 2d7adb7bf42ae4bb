package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/wgtimer/peer"
	"github.com/drio/wgtimer/timer"
)

const resolution = time.Second

var (
	keyA = [32]byte{0x01, 0x02, 0x03, 0x04}
	keyB = [32]byte{0x21, 0x22, 0x23, 0x24}

	endpoint = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51821}
)

type written struct {
	data []byte
	addr *net.UDPAddr
}

// fakeUDP records writes and replays injected datagrams.
type fakeUDP struct {
	inbound   chan datagram
	writes    chan written
	closeErr  error
	closeOnce sync.Once
}

func newFakeUDP() *fakeUDP {
	return &fakeUDP{
		inbound: make(chan datagram, 16),
		writes:  make(chan written, 100),
	}
}

func (f *fakeUDP) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	dg, ok := <-f.inbound
	if !ok {
		return 0, nil, net.ErrClosed
	}
	return copy(buf, dg.data), dg.addr, nil
}

func (f *fakeUDP) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f.writes <- written{data: append([]byte(nil), b...), addr: addr}
	return len(b), nil
}

func (f *fakeUDP) Close() error {
	f.closeOnce.Do(func() { close(f.inbound) })
	return f.closeErr
}

func (f *fakeUDP) next(t *testing.T) written {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(time.Second):
		t.Fatal("no datagram written")
		return written{}
	}
}

func (f *fakeUDP) requireQuiet(t *testing.T) {
	t.Helper()
	select {
	case w := <-f.writes:
		t.Fatalf("unexpected datagram of %d bytes", len(w.data))
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder is a handshake layer that records initiation attempts.
type recorder struct {
	attempts chan uint32
}

func newRecorder() *recorder {
	return &recorder{attempts: make(chan uint32, 64)}
}

func (r *recorder) Initiate(_ *peer.Peer, attempt uint32) error {
	r.attempts <- attempt
	return nil
}

func (r *recorder) next(t *testing.T) uint32 {
	t.Helper()
	select {
	case a := <-r.attempts:
		return a
	case <-time.After(time.Second):
		t.Fatal("no handshake initiated")
		return 0
	}
}

func (r *recorder) requireQuiet(t *testing.T) {
	t.Helper()
	select {
	case a := <-r.attempts:
		t.Fatalf("unexpected handshake attempt %d", a)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	device *Device
	timer  *timer.Timer
	clock  *clock.Mock
	udp    *fakeUDP
	runErr chan error
}

func testConfig() Config {
	return Config{
		RekeyAfter:           120 * time.Second,
		RejectAfter:          180 * time.Second,
		RekeyTimeout:         5 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxHandshakeAttempts: 18,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	mock := clock.NewMock()
	tm := timer.New(timer.WithClock(mock), timer.WithResolution(resolution))
	udp := newFakeUDP()

	opts = append([]Option{WithClock(mock)}, opts...)
	d := New(peer.NewTable(), tm, udp, cfg, opts...)

	h := &harness{device: d, timer: tm, clock: mock, udp: udp, runErr: make(chan error, 1)}
	go func() { h.runErr <- d.Run(context.Background()) }()
	t.Cleanup(func() { d.Close() })
	return h
}

// advance moves the mock clock and waits for due events to be decided.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Add(d)
	time.Sleep(10 * time.Millisecond)
}

// remoteSession builds the session the other end of an established
// session would hold.
func remoteSession() *peer.Session {
	var s peer.Session
	s.Establish(keyB, keyA, 2001, 1001, time.Now())
	return &s
}

func openKeepalive(t *testing.T, remote *peer.Session, w written) uint64 {
	t.Helper()
	require.Len(t, w.data, KeepaliveSize)
	assert.Equal(t, endpoint, w.addr)

	receiver, counter, ct, err := UnmarshalTransportData(w.data)
	require.NoError(t, err)
	pt, err := remote.Open(receiver, counter, ct)
	require.NoError(t, err)
	assert.Empty(t, pt)
	return counter
}

func TestPersistentKeepalive(t *testing.T) {
	t.Run("Sends and re-arms with a session", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint, PersistentKeepalive: 25 * time.Second})
		require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))
		remote := remoteSession()

		h.advance(t, 25*time.Second+2*resolution-time.Millisecond)
		h.udp.requireQuiet(t)

		h.advance(t, time.Millisecond)
		assert.Equal(t, uint64(0), openKeepalive(t, remote, h.udp.next(t)))

		h.advance(t, 25*time.Second+2*resolution)
		assert.Equal(t, uint64(1), openKeepalive(t, remote, h.udp.next(t)))
	})

	t.Run("Starts a handshake without a session", func(t *testing.T) {
		hs := newRecorder()
		h := newHarness(t, testConfig(), WithHandshaker(hs))
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint, PersistentKeepalive: 25 * time.Second})

		h.advance(t, 25*time.Second+2*resolution)
		assert.Equal(t, uint32(1), hs.next(t))
		h.udp.requireQuiet(t)

		h.advance(t, 5*time.Second+2*resolution)
		assert.Equal(t, uint32(2), hs.next(t))
		attempts, handshaking := h.device.HandshakeAttempts(ref)
		assert.Equal(t, uint32(2), attempts)
		assert.True(t, handshaking)

		require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))
		h.advance(t, 10*time.Second)
		hs.requireQuiet(t)

		_, handshaking = h.device.HandshakeAttempts(ref)
		assert.False(t, handshaking)
	})
}

func TestPassiveKeepalive(t *testing.T) {
	setup := func(t *testing.T) (*harness, peer.Ref, *peer.Session, chan []byte) {
		received := make(chan []byte, 4)
		h := newHarness(t, testConfig(), WithInbound(func(_ peer.Ref, packet []byte) {
			received <- packet
		}))
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})
		require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))
		remote := remoteSession()

		receiver, counter, ct, err := remote.Seal([]byte("data"))
		require.NoError(t, err)
		h.udp.inbound <- datagram{data: MarshalTransportData(receiver, counter, ct), addr: endpoint}

		select {
		case packet := <-received:
			assert.Equal(t, []byte("data"), packet)
		case <-time.After(time.Second):
			t.Fatal("inbound packet not delivered")
		}
		return h, ref, remote, received
	}

	t.Run("Fires after inbound data", func(t *testing.T) {
		h, _, remote, _ := setup(t)

		h.advance(t, 10*time.Second+2*resolution)
		openKeepalive(t, remote, h.udp.next(t))

		h.advance(t, time.Minute)
		h.udp.requireQuiet(t)
	})

	t.Run("Canceled by outbound data", func(t *testing.T) {
		h, ref, remote, _ := setup(t)

		require.NoError(t, h.device.Send(ref, []byte("reply")))
		w := h.udp.next(t)
		receiver, counter, ct, err := UnmarshalTransportData(w.data)
		require.NoError(t, err)
		pt, err := remote.Open(receiver, counter, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte("reply"), pt)

		h.advance(t, 10*time.Second+2*resolution)
		h.udp.requireQuiet(t)
	})

	t.Run("Inbound keepalives do not arm it", func(t *testing.T) {
		h, _, remote, received := setup(t)
		h.advance(t, 10*time.Second+2*resolution)
		openKeepalive(t, remote, h.udp.next(t))

		receiver, counter, ct, err := remote.Seal(nil)
		require.NoError(t, err)
		h.udp.inbound <- datagram{data: MarshalTransportData(receiver, counter, ct), addr: endpoint}
		time.Sleep(20 * time.Millisecond)

		h.advance(t, 10*time.Second+2*resolution)
		h.udp.requireQuiet(t)
		assert.Empty(t, received)
	})
}

func TestHandshakeGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHandshakeAttempts = 2
	hs := newRecorder()
	h := newHarness(t, cfg, WithHandshaker(hs))
	ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})

	err := h.device.Send(ref, []byte("x"))
	assert.ErrorIs(t, err, peer.ErrNoSession)
	assert.Equal(t, uint32(1), hs.next(t))

	// A second request while the first handshake runs is ignored.
	assert.ErrorIs(t, h.device.Send(ref, []byte("y")), peer.ErrNoSession)
	hs.requireQuiet(t)

	h.advance(t, 5*time.Second+2*resolution)
	assert.Equal(t, uint32(2), hs.next(t))

	h.advance(t, 5*time.Second+2*resolution)
	hs.requireQuiet(t)
	require.Eventually(t, func() bool {
		attempts, handshaking := h.device.HandshakeAttempts(ref)
		return attempts == 0 && !handshaking
	}, time.Second, time.Millisecond)
}

func TestSessionLifetime(t *testing.T) {
	t.Run("Keys are wiped after three reject periods", func(t *testing.T) {
		cfg := testConfig()
		cfg.RekeyAfter = time.Hour
		cfg.RejectAfter = 10 * time.Second
		h := newHarness(t, cfg)
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})
		require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))
		p, _ := ref.Upgrade()

		h.advance(t, 30*time.Second+2*resolution-time.Millisecond)
		assert.True(t, p.Session.Valid())

		h.advance(t, time.Millisecond)
		require.Eventually(t, func() bool { return !p.Session.Valid() }, time.Second, time.Millisecond)
	})

	t.Run("Rekey after the session ages", func(t *testing.T) {
		hs := newRecorder()
		h := newHarness(t, testConfig(), WithHandshaker(hs))
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})
		require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))

		h.advance(t, 120*time.Second+2*resolution)
		assert.Equal(t, uint32(1), hs.next(t))
		p, _ := ref.Upgrade()
		assert.True(t, p.Session.Valid(), "old keys stay usable during the rekey")
	})

	t.Run("Unknown peer", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})
		require.True(t, h.device.RemovePeer(ref.ID()))
		assert.False(t, h.device.RemovePeer(ref.ID()))

		assert.ErrorIs(t, h.device.EstablishSession(ref, keyA, keyB, 1, 2), ErrPeerGone)
		assert.ErrorIs(t, h.device.Send(ref, nil), ErrPeerGone)
	})
}

func TestStaleTimerMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	gone := h.device.AddPeer(peer.Config{PublicKey: keyA, Endpoint: endpoint})
	live := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint, PersistentKeepalive: 5 * time.Second})
	require.NoError(t, h.device.EstablishSession(live, keyA, keyB, 1001, 2001))

	h.timer.SendAfter(time.Second, timer.Wipe{Peer: gone})
	h.timer.SendAfter(time.Second, timer.PersistentKeepAlive{Peer: gone})
	h.device.RemovePeer(gone.ID())

	h.advance(t, 5*time.Second+2*resolution)
	openKeepalive(t, remoteSession(), h.udp.next(t))

	p, _ := live.Upgrade()
	assert.True(t, p.Session.Valid())
}

func TestInboundErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	ref := h.device.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint})
	require.NoError(t, h.device.EstablishSession(ref, keyA, keyB, 1001, 2001))

	assert.ErrorIs(t, h.device.handleTransportData([]byte{4, 0}, endpoint), ErrShortTransport)
	assert.ErrorContains(t, h.device.handleTransportData(MarshalTransportData(9, 0, make([]byte, 16)), endpoint), "no session")
	assert.ErrorContains(t, h.device.handleTransportData(MarshalTransportData(1001, 0, make([]byte, 16)), endpoint), "decrypt")
}

type earlyClock struct {
	*clock.Mock
}

func (c earlyClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	go f()
	return c.Mock.AfterFunc(d, func() {})
}

func TestRunReportsSchedulingFault(t *testing.T) {
	tm := timer.New(timer.WithClock(earlyClock{clock.NewMock()}))
	d := New(peer.NewTable(), tm, newFakeUDP(), testConfig())
	defer d.Close()

	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()

	d.AddPeer(peer.Config{PublicKey: keyB, Endpoint: endpoint, PersistentKeepalive: time.Minute})

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, timer.ErrSchedulingFault)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the timer failed")
	}
}

func TestClose(t *testing.T) {
	udp := newFakeUDP()
	udp.closeErr = errors.New("boom")
	d := New(peer.NewTable(), timer.New(), udp, testConfig())

	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()

	assert.EqualError(t, d.Close(), "boom")
	assert.NoError(t, d.Close(), "second close is a no-op")

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunHonoursContext(t *testing.T) {
	d := New(peer.NewTable(), timer.New(), newFakeUDP(), testConfig())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestWipeAfterSaturates(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3*cfg.RejectAfter, cfg.wipeAfter())

	cfg.RejectAfter = timer.MaxDelay / 2
	assert.Equal(t, timer.MaxDelay, cfg.wipeAfter())
}
