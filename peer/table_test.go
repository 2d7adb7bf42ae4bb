package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(b byte) Config {
	var key [32]byte
	key[0] = b
	return Config{
		PublicKey:           key,
		Endpoint:            &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51820 + int(b)},
		PersistentKeepalive: 25 * time.Second,
	}
}

func TestTableRefs(t *testing.T) {
	t.Run("Upgrade while alive", func(t *testing.T) {
		table := NewTable()
		p, ref := table.Add(testConfig(1))

		got, ok := ref.Upgrade()
		require.True(t, ok)
		assert.Same(t, p, got)
		assert.Equal(t, p.ID(), ref.ID())
		assert.Equal(t, 25*time.Second, got.PersistentKeepalive())
	})

	t.Run("Upgrade fails after removal", func(t *testing.T) {
		table := NewTable()
		p, ref := table.Add(testConfig(1))

		require.True(t, table.Remove(p.ID()))
		assert.False(t, table.Remove(p.ID()), "second removal should report absence")

		_, ok := ref.Upgrade()
		assert.False(t, ok)
		assert.False(t, ref.IsZero(), "a dangling ref is still bound")
	})

	t.Run("IDs are never reused", func(t *testing.T) {
		table := NewTable()
		first, ref := table.Add(testConfig(1))
		table.Remove(first.ID())

		second, _ := table.Add(testConfig(1))
		assert.NotEqual(t, first.ID(), second.ID())

		_, ok := ref.Upgrade()
		assert.False(t, ok, "stale ref must not alias the new peer")
	})

	t.Run("Zero ref", func(t *testing.T) {
		var ref Ref
		assert.True(t, ref.IsZero())
		_, ok := ref.Upgrade()
		assert.False(t, ok)
	})

	t.Run("Removal wipes session", func(t *testing.T) {
		table := NewTable()
		p, _ := table.Add(testConfig(1))
		p.Session.Establish([32]byte{1}, [32]byte{2}, 10, 20, time.Now())

		table.Remove(p.ID())
		assert.False(t, p.Session.Valid())
	})
}

func TestTableLookup(t *testing.T) {
	table := NewTable()
	a, _ := table.Add(testConfig(1))
	b, _ := table.Add(testConfig(2))
	a.Session.Establish([32]byte{1}, [32]byte{2}, 1001, 2001, time.Now())
	b.Session.Establish([32]byte{3}, [32]byte{4}, 1002, 2002, time.Now())

	got, ok := table.LookupIndex(1002)
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = table.LookupIndex(9999)
	assert.False(t, ok)

	assert.Equal(t, 2, table.Len())

	var seen int
	table.Range(func(*Peer) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen, "Range should stop when fn returns false")
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([32]byte{1})
	b := Fingerprint([32]byte{2})
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
