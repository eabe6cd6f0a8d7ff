package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"omemo/internal/domain"
	"omemo/internal/protocol/wire"
)

func sampleMessage() wire.RatchetMessage {
	return wire.RatchetMessage{
		Header: domain.RatchetHeader{
			DiffieHellmanPublicKey: bytes.Repeat([]byte{7}, 32),
			PreviousChainLength:    3,
			MessageIndex:           300,
		},
		Ciphertext: []byte("ciphertext"),
	}
}

func TestRatchetMessage_Decode(t *testing.T) {
	in := sampleMessage()
	out, err := wire.UnmarshalRatchetMessage(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRatchetMessage_SkipsUnknownFields(t *testing.T) {
	raw := sampleMessage().Marshal()
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("future"))

	out, err := wire.UnmarshalRatchetMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), out.Header.MessageIndex)
}

func TestRatchetMessage_Malformed(t *testing.T) {
	_, err := wire.UnmarshalRatchetMessage([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, wire.ErrMalformed)

	m := sampleMessage()
	m.Header.DiffieHellmanPublicKey = m.Header.DiffieHellmanPublicKey[:5]
	_, err = wire.UnmarshalRatchetMessage(m.Marshal())
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestPreKeyRatchetMessage_Decode(t *testing.T) {
	in := wire.PreKeyRatchetMessage{
		RegistrationID: 1,
		PreKeyID:       42,
		SignedPreKeyID: 1,
		BaseKey:        domain.X25519Public{9},
		Identity:       domain.IdentityKey{DH: domain.X25519Public{1}, Signing: domain.Ed25519Public{2}},
		Message:        sampleMessage(),
	}
	out, err := wire.UnmarshalPreKeyRatchetMessage(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in.PreKeyID = 0
	out, err = wire.UnmarshalPreKeyRatchetMessage(in.Marshal())
	require.NoError(t, err)
	assert.Zero(t, out.PreKeyID)
}

func TestPreKeyRatchetMessage_RequiresKeys(t *testing.T) {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 5)

	_, err := wire.UnmarshalPreKeyRatchetMessage(raw)
	assert.ErrorIs(t, err, wire.ErrMalformed)

	// A plain ratchet message is not a pre-key message.
	_, err = wire.UnmarshalPreKeyRatchetMessage(sampleMessage().Marshal())
	assert.ErrorIs(t, err, wire.ErrMalformed)
}
