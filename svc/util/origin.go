package util

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// LocalOrigin labels connections that carried no proxy header.
const LocalOrigin = "local"

var ErrHasherClosed = errors.New("origin hasher closed")

// OriginHasher turns client addresses into stable, unlinkable tokens. The key
// lives only in memory, so tokens cannot be correlated across restarts.
type OriginHasher struct {
	mu  sync.RWMutex
	key []byte
}

func NewOriginHasher() (*OriginHasher, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "origin key")
	}
	return &OriginHasher{key: key}, nil
}

// Hash strips any port from addr and returns a keyed blake2b digest.
func (h *OriginHasher) Hash(addr string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return "", ErrHasherClosed
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	mac, err := blake2b.New(16, h.key)
	if err != nil {
		return "", errors.Wrap(err, "blake2b")
	}
	mac.Write([]byte(addr))
	return "b2:" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Origin renders addr for logs, falling back to LocalOrigin.
func (h *OriginHasher) Origin(addr net.Addr) string {
	if addr == nil || addr.Network() == "unix" {
		return LocalOrigin
	}
	s, err := h.Hash(addr.String())
	if err != nil {
		return LocalOrigin
	}
	return s
}

func (h *OriginHasher) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key != nil {
		Wipe(h.key)
		h.key = nil
	}
}
