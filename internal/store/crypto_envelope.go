package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// sealedFormatVersion is the current version of the sealed identity record.
const sealedFormatVersion = 1

// ErrWrongPassphrase is returned when the identity record cannot be opened
// with the account passphrase, or was modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted identity")

// sealedRecord holds the ciphertext of the local identity and the scrypt
// parameters used to derive its key.
type sealedRecord struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// sealIdentity derives a key from passphrase and seals raw.
func sealIdentity(passphrase string, raw []byte) ([]byte, error) {
	N, r, p := scryptParams()
	rec := sealedRecord{V: sealedFormatVersion, Salt: make([]byte, 16), N: N, R: r, P: p, Nonce: make([]byte, chacha20poly1305.NonceSize)}
	if _, err := rand.Read(rec.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(rec.Nonce); err != nil {
		return nil, err
	}
	aead, err := sealingAEAD(passphrase, rec)
	if err != nil {
		return nil, err
	}
	rec.Cipher = aead.Seal(nil, rec.Nonce, raw, rec.Salt)
	return json.Marshal(rec)
}

// openIdentity reverses sealIdentity.
func openIdentity(passphrase string, b []byte) ([]byte, error) {
	var rec sealedRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	if rec.V > sealedFormatVersion {
		return nil, fmt.Errorf("unsupported identity record version %d", rec.V)
	}
	if len(rec.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrWrongPassphrase
	}
	aead, err := sealingAEAD(passphrase, rec)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, rec.Nonce, rec.Cipher, rec.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func sealingAEAD(passphrase string, rec sealedRecord) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), rec.Salt, rec.N, rec.R, rec.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// scryptParams are the key derivation tunables for new records.
var scryptParams = func() (N, r, p int) { return 1 << 15, 8, 1 }
