package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"omemo/internal/domain"
)

// ContentKeySize is the size of the per-message content key.
const ContentKeySize = chacha20poly1305.KeySize

// NewContentKey returns a fresh random content key and nonce.
func NewContentKey() (key, nonce []byte, err error) {
	key = make([]byte, ContentKeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

// SealPayload encrypts plaintext under the content key.
func SealPayload(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenPayload decrypts and authenticates a payload. Any failure, including
// a malformed key or nonce, is reported as domain.ErrDecryptionFailure.
func OpenPayload(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != ContentKeySize || len(nonce) != chacha20poly1305.NonceSize {
		return nil, domain.ErrDecryptionFailure
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.ErrDecryptionFailure
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryptionFailure
	}
	return pt, nil
}

// RandomRegistrationID returns a random id in [1, 2^31-1].
func RandomRegistrationID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if id := binary.BigEndian.Uint32(b[:]) & 0x7fffffff; id != 0 {
			return id, nil
		}
	}
}
