package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts access tokens before they reach a shared store.
// The client id is bound as associated data, so a sealed token cannot be
// replayed under another client.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key from a master secret via HKDF-SHA256.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < 16 {
		return nil, errors.New("seal key too short (min 16 bytes)")
	}
	r := hkdf.New(sha256.New, master, nil, []byte("ogx-gateway token seal v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce.
func (s *Sealer) Seal(clientID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, []byte(clientID))...)
	return out, nil
}

// Open decrypts a blob produced by Seal for the same client.
func (s *Sealer) Open(clientID string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, []byte(clientID))
}
