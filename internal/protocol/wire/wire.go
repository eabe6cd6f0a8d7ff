package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"omemo/internal/domain"
)

// ErrMalformed is returned for bytes that do not decode to a message.
var ErrMalformed = errors.New("malformed ratchet message")

// RatchetMessage is one ratchet ciphertext with its header.
type RatchetMessage struct {
	Header     domain.RatchetHeader
	Ciphertext []byte
}

// PreKeyRatchetMessage wraps a RatchetMessage with the key agreement
// parameters the recipient needs to build the session.
type PreKeyRatchetMessage struct {
	RegistrationID uint32
	// PreKeyID is zero when no one-time pre-key was used.
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        domain.X25519Public
	Identity       domain.IdentityKey
	Message        RatchetMessage
}

const (
	fDHPub      protowire.Number = 1
	fPN         protowire.Number = 2
	fN          protowire.Number = 3
	fCiphertext protowire.Number = 4

	fRegistrationID protowire.Number = 1
	fPreKeyID       protowire.Number = 2
	fSignedPreKeyID protowire.Number = 3
	fBaseKey        protowire.Number = 4
	fIdentityDH     protowire.Number = 5
	fMessage        protowire.Number = 6
	fIdentitySign   protowire.Number = 7
)

// Marshal encodes the message.
func (m RatchetMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fDHPub, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Header.DiffieHellmanPublicKey)
	b = appendUint32(b, fPN, m.Header.PreviousChainLength)
	b = appendUint32(b, fN, m.Header.MessageIndex)
	b = protowire.AppendTag(b, fCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// UnmarshalRatchetMessage decodes a RatchetMessage.
func UnmarshalRatchetMessage(b []byte) (RatchetMessage, error) {
	var m RatchetMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fDHPub && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Header.DiffieHellmanPublicKey = append([]byte(nil), v...)
			return n, nil
		case num == fPN && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Header.PreviousChainLength = uint32(v)
			return n, nil
		case num == fN && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Header.MessageIndex = uint32(v)
			return n, nil
		case num == fCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Ciphertext = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return RatchetMessage{}, err
	}
	if len(m.Header.DiffieHellmanPublicKey) != 32 || len(m.Ciphertext) == 0 {
		return RatchetMessage{}, fmt.Errorf("%w: missing header key or ciphertext", ErrMalformed)
	}
	return m, nil
}

// Marshal encodes the message.
func (m PreKeyRatchetMessage) Marshal() []byte {
	var b []byte
	b = appendUint32(b, fRegistrationID, m.RegistrationID)
	if m.PreKeyID != 0 {
		b = appendUint32(b, fPreKeyID, m.PreKeyID)
	}
	b = appendUint32(b, fSignedPreKeyID, m.SignedPreKeyID)
	b = protowire.AppendTag(b, fBaseKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey[:])
	b = protowire.AppendTag(b, fIdentityDH, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Identity.DH[:])
	b = protowire.AppendTag(b, fMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message.Marshal())
	b = protowire.AppendTag(b, fIdentitySign, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Identity.Signing[:])
	return b
}

// UnmarshalPreKeyRatchetMessage decodes a PreKeyRatchetMessage.
func UnmarshalPreKeyRatchetMessage(b []byte) (PreKeyRatchetMessage, error) {
	var (
		m     PreKeyRatchetMessage
		inner []byte
		seen  = map[protowire.Number]bool{}
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fRegistrationID:
				m.RegistrationID = uint32(v)
			case fPreKeyID:
				m.PreKeyID = uint32(v)
			case fSignedPreKeyID:
				m.SignedPreKeyID = uint32(v)
			}
			seen[num] = true
			return n, nil
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case fBaseKey:
				if !copyKey(m.BaseKey[:], v) {
					return 0, fmt.Errorf("%w: base key length %d", ErrMalformed, len(v))
				}
			case fIdentityDH:
				if !copyKey(m.Identity.DH[:], v) {
					return 0, fmt.Errorf("%w: identity key length %d", ErrMalformed, len(v))
				}
			case fIdentitySign:
				if !copyKey(m.Identity.Signing[:], v) {
					return 0, fmt.Errorf("%w: signing key length %d", ErrMalformed, len(v))
				}
			case fMessage:
				inner = v
			}
			seen[num] = true
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return PreKeyRatchetMessage{}, err
	}
	for _, f := range []protowire.Number{fSignedPreKeyID, fBaseKey, fIdentityDH, fMessage, fIdentitySign} {
		if !seen[f] {
			return PreKeyRatchetMessage{}, fmt.Errorf("%w: field %d missing", ErrMalformed, f)
		}
	}
	m.Message, err = UnmarshalRatchetMessage(inner)
	if err != nil {
		return PreKeyRatchetMessage{}, err
	}
	return m, nil
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func copyKey(dst, src []byte) bool {
	if len(src) != len(dst) {
		return false
	}
	copy(dst, src)
	return true
}

// walk calls field for every field in b. field returns the number of bytes
// it consumed after the tag, or a negative protowire error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
