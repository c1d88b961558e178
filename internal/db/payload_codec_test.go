package db

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCodec_EncodeDecode(t *testing.T) {
	codec := NewPayloadCodec()
	payload := bytes.Repeat([]byte(`{"object":"event","data":{"object":{"quantity":8}}}`), 40)

	encoded := codec.Encode(payload)
	assert.True(t, bytes.HasPrefix(encoded, zstdMagic))
	assert.Less(t, len(encoded), len(payload))

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestPayloadCodec_DecodePassesThroughRawJSON(t *testing.T) {
	codec := NewPayloadCodec()
	raw := []byte(`{"id":"evt_1"}`)

	decoded, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestPayloadCodec_Empty(t *testing.T) {
	codec := NewPayloadCodec()
	assert.Nil(t, codec.Encode(nil))

	decoded, err := codec.Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestPayloadCodec_CorruptFrame(t *testing.T) {
	codec := NewPayloadCodec()
	corrupt := append(append([]byte{}, zstdMagic...), 0xFF, 0xFF, 0xFF)

	_, err := codec.Decode(corrupt)
	assert.Error(t, err)
}
