package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// RejectAfterMessages bounds the number of packets sealed under one key.
const RejectAfterMessages = (1 << 64) - (1 << 13) - 1

var (
	ErrNoSession       = errors.New("no active session - handshake required")
	ErrReplay          = errors.New("replayed counter")
	ErrNonceExhausted  = errors.New("sending nonce exhausted")
	ErrIndexMismatched = errors.New("receiver index mismatch")
)

// Session holds the transport keys installed by a completed handshake.
// The zero Session is empty and valid to use.
type Session struct {
	mutex sync.Mutex

	valid       bool
	sendKey     [32]byte
	recvKey     [32]byte
	sendNonce   uint64
	recvCounter uint64
	received    bool
	localIndex  uint32
	remoteIndex uint32
	established time.Time
}

// Establish installs fresh transport keys, resetting both counters.
func (s *Session) Establish(sendKey, recvKey [32]byte, localIndex, remoteIndex uint32, now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.valid = true
	s.sendKey = sendKey
	s.recvKey = recvKey
	s.sendNonce = 0
	s.recvCounter = 0
	s.received = false
	s.localIndex = localIndex
	s.remoteIndex = remoteIndex
	s.established = now
}

// Zero wipes the key material.
func (s *Session) Zero() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.valid = false
	s.sendKey = [32]byte{}
	s.recvKey = [32]byte{}
	s.sendNonce = 0
	s.recvCounter = 0
	s.received = false
	s.localIndex = 0
	s.remoteIndex = 0
	s.established = time.Time{}
}

// Valid reports whether keys are installed.
func (s *Session) Valid() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.valid
}

// LocalIndex returns the index peers address us by, if a session exists.
func (s *Session) LocalIndex() (uint32, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.localIndex, s.valid
}

// Age returns how long the current keys have been installed.
func (s *Session) Age(now time.Time) time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.valid {
		return 0
	}
	return now.Sub(s.established)
}

// Seal encrypts plaintext with the sending key and consumes one nonce.
// It returns the remote receiver index and counter the caller puts in the
// transport header.
func (s *Session) Seal(plaintext []byte) (remoteIndex uint32, counter uint64, ciphertext []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.valid {
		return 0, 0, nil, ErrNoSession
	}
	if s.sendNonce >= RejectAfterMessages {
		return 0, 0, nil, ErrNonceExhausted
	}

	ciphertext, err = chachaPolyEncrypt(s.sendKey, s.sendNonce, plaintext)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("encryption failed: %w", err)
	}

	counter = s.sendNonce
	s.sendNonce++
	return s.remoteIndex, counter, ciphertext, nil
}

// Open authenticates and decrypts an inbound payload sealed under counter.
func (s *Session) Open(localIndex uint32, counter uint64, ciphertext []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.valid {
		return nil, ErrNoSession
	}
	if localIndex != s.localIndex {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrIndexMismatched, s.localIndex, localIndex)
	}
	if s.received && counter <= s.recvCounter {
		return nil, fmt.Errorf("%w: counter %d <= last %d", ErrReplay, counter, s.recvCounter)
	}

	plaintext, err := chachaPolyDecrypt(s.recvKey, counter, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	s.recvCounter = counter
	s.received = true
	return plaintext, nil
}

// WireGuard nonce format: 4 bytes zeros + 8 bytes little-endian counter
func nonceBytes(counter uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce[:]
}

func chachaPolyEncrypt(key [32]byte, counter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceBytes(counter), plaintext, nil), nil
}

func chachaPolyDecrypt(key [32]byte, counter uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceBytes(counter), ciphertext, nil)
}
