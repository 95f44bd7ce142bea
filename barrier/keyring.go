package barrier

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// keyLen is the AES-256 key size used for every keyring term.
const keyLen = 32

// keyring holds the active encryption key and every retired term, so
// blobs written under old terms stay decryptable after rotation.
type keyring struct {
	ActiveTerm uint32            `json:"active_term"`
	Keys       map[uint32][]byte `json:"keys"`
}

func newKeyring() (*keyring, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate keyring key: %w", err)
	}
	return &keyring{
		ActiveTerm: 1,
		Keys:       map[uint32][]byte{1: key},
	}, nil
}

// rotate adds a fresh key under the next term and makes it active.
func (kr *keyring) rotate() (uint32, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return 0, fmt.Errorf("failed to generate keyring key: %w", err)
	}
	next := kr.ActiveTerm + 1
	kr.Keys[next] = key
	kr.ActiveTerm = next
	return next, nil
}

func (kr *keyring) activeKey() []byte {
	return kr.Keys[kr.ActiveTerm]
}

func (kr *keyring) serialize() ([]byte, error) {
	return json.Marshal(kr)
}

func deserializeKeyring(data []byte) (*keyring, error) {
	var kr keyring
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, fmt.Errorf("failed to decode keyring: %w", err)
	}
	if kr.ActiveTerm == 0 || kr.Keys[kr.ActiveTerm] == nil {
		return nil, fmt.Errorf("keyring has no active key")
	}
	for term, key := range kr.Keys {
		if len(key) != keyLen {
			return nil, fmt.Errorf("keyring term %d has invalid key length %d", term, len(key))
		}
	}
	return &kr, nil
}

// zeroize overwrites every key in place. The keyring must not be used
// afterwards.
func (kr *keyring) zeroize() {
	for _, key := range kr.Keys {
		wipeBytes(key)
	}
	kr.Keys = nil
	kr.ActiveTerm = 0
}

// wipeBytes overwrites a byte slice with zeros.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
