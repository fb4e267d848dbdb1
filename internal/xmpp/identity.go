package xmpp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// IdentityMapper assigns process-stable opaque ids to protocol addresses.
// The id is a keyed hash of the lowercased bare address under a random
// per-process key, so ids are deterministic within one process run but
// intentionally differ across restarts. The mapper keeps both directions
// of the mapping so lookups never recompute the hash.
type IdentityMapper struct {
	mu     sync.Mutex
	key    []byte
	byAddr map[string]string
	byId   map[string]string
}

func NewIdentityMapper() (*IdentityMapper, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate namespace key: %w", err)
	}

	return &IdentityMapper{
		key:    key,
		byAddr: make(map[string]string),
		byId:   make(map[string]string),
	}, nil
}

// Id returns the opaque id for addr, computing and remembering it on
// first use. The resource part of the address is ignored.
func (m *IdentityMapper) Id(addr string) string {
	bare := strings.ToLower(BareAddress(addr))

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byAddr[bare]; ok {
		return id
	}

	h, err := blake2b.New256(m.key)
	if err != nil {
		// Key length is fixed at construction, New256 cannot fail.
		panic(err)
	}
	h.Write([]byte(bare))
	sum := h.Sum(nil)
	id := hex.EncodeToString(sum[:16])

	m.byAddr[bare] = id
	m.byId[id] = bare
	return id
}

// Address returns the bare address previously mapped to id.
func (m *IdentityMapper) Address(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.byId[id]
	return addr, ok
}
