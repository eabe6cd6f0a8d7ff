package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/util/memzero"
)

const (
	aeadKeySize  = chacha20poly1305.KeySize
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var (
	// ErrTooManySkipped is returned when a header would require deriving
	// more than maxSkippedMK message keys.
	ErrTooManySkipped = errors.New("too many skipped messages")
	// ErrBadHeader is returned for a header without a valid ratchet key.
	ErrBadHeader = errors.New("malformed ratchet header")

	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the responder's signed pre-key as its first ratchet public key.
func InitAsInitiator(root []byte, peerRatchetKey domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerRatchetKey)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerRatchetKey,
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our signed
// pre-key and the ratchet key the initiator sent in its first header. The
// sending chain is created on the first Encrypt.
func InitAsResponder(root []byte, signedPreKey domain.X25519Private, senderRatchetPub domain.X25519Public) (domain.RatchetState, error) {
	dh, err := crypto.DH(signedPreKey, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:                 newRK,
		PeerDiffieHellmanPublic: senderRatchetPub,
		ReceiveChainKey:         recvCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, stepping the DH ratchet on the
// first send after responding.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		if err := stepSending(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: append([]byte(nil), st.DiffieHellmanPublic[:]...),
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

// Decrypt opens a message. It uses a stored skipped key when the message
// arrived out of order, and steps the DH ratchet when the header carries a
// new remote ratchet key. On error st may be partially advanced; callers
// discard it.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DiffieHellmanPublicKey) != 32 {
		return nil, ErrBadHeader
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = make(map[string][]byte)
	}

	if mk, ok := takeSkipped(st, header); ok {
		pt, err := open(mk, header, ad, ciphertext)
		memzero.Zero(mk)
		return pt, err
	}

	if !equal32(st.PeerDiffieHellmanPublic[:], header.DiffieHellmanPublicKey) {
		if err := skipUntil(st, header.PreviousChainLength); err != nil {
			return nil, err
		}
		var newPeer domain.X25519Public
		copy(newPeer[:], header.DiffieHellmanPublicKey)
		if err := stepReceiving(st, newPeer); err != nil {
			return nil, err
		}
	}

	if err := skipUntil(st, header.MessageIndex); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// --- helpers ---

// stepSending creates a new sending chain against the peer's current
// ratchet key.
func stepSending(st *domain.RatchetState) error {
	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(newPriv, st.PeerDiffieHellmanPublic)
	if err != nil {
		return err
	}
	rk2, sendCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	st.PreviousChainLength = st.SendMessageIndex
	st.SendMessageIndex = 0
	st.RootKey = rk2
	st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
	st.SendChainKey = sendCK
	return nil
}

// stepReceiving advances the root with the new remote key and then starts a
// fresh sending chain.
func stepReceiving(st *domain.RatchetState, newPeer domain.X25519Public) error {
	dh, err := crypto.DH(st.DiffieHellmanPrivate, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	st.RootKey = rk2
	st.PeerDiffieHellmanPublic = newPeer
	st.ReceiveChainKey = recvCK
	st.ReceiveMessageIndex = 0
	return stepSending(st)
}

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(header), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceFor(header), ciphertext, associated(ad, header))
}

func nonceFor(h domain.RatchetHeader) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], h.MessageIndex)
	return nonce
}

func associated(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DiffieHellmanPublicKey)+8)
	out = append(out, ad...)
	out = append(out, h.DiffieHellmanPublicKey...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	return binary.BigEndian.AppendUint32(out, h.MessageIndex)
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

// skippedKeyID is hex so the map survives a JSON round trip.
func skippedKeyID(peer []byte, n uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(peer), n)
}

func takeSkipped(st *domain.RatchetState, h domain.RatchetHeader) ([]byte, bool) {
	id := skippedKeyID(h.DiffieHellmanPublicKey, h.MessageIndex)
	mk, ok := st.SkippedKeys[id]
	if ok {
		delete(st.SkippedKeys, id)
	}
	return mk, ok
}

// skipUntil derives and stores receive keys up to n with a hard cap.
func skipUntil(st *domain.RatchetState, n uint32) error {
	if len(st.ReceiveChainKey) == 0 || st.ReceiveMessageIndex >= n {
		return nil
	}
	if n-st.ReceiveMessageIndex > maxSkippedMK {
		return ErrTooManySkipped
	}
	for st.ReceiveMessageIndex < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if len(st.SkippedKeys) >= maxSkippedMK {
			for k := range st.SkippedKeys {
				delete(st.SkippedKeys, k)
				break
			}
		}
		st.SkippedKeys[skippedKeyID(st.PeerDiffieHellmanPublic[:], st.ReceiveMessageIndex)] = mk
		st.ReceiveMessageIndex++
	}
	return nil
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
