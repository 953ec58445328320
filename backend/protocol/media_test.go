package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMediaPacket_Binary(t *testing.T) {
	b, err := AppendMediaPacket(nil, MediaVideo, "alice", []byte{0xff, 0xd8, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 5, 'a', 'l', 'i', 'c', 'e', 0xff, 0xd8, 0x00}, b)

	pkt, err := ParseMediaPacket(b)
	require.NoError(t, err)
	assert.Equal(t, MediaPacket{Kind: MediaVideo, Username: "alice", Binary: true}, pkt)
	assert.True(t, pkt.Kind.Relayed())
}

func TestParseMediaPacket_BinaryErrors(t *testing.T) {
	_, err := ParseMediaPacket(nil)
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = ParseMediaPacket([]byte{2})
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = ParseMediaPacket([]byte{2, 10, 'a'})
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = ParseMediaPacket([]byte{2, 0})
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = ParseMediaPacket([]byte{9, 1, 'a'})
	assert.ErrorIs(t, err, ErrUnknownPacket)

	_, err = ParseMediaPacket([]byte{1, 1, 0xff})
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestParseMediaPacket_JSON(t *testing.T) {
	tests := []struct {
		doc  string
		kind MediaKind
	}{
		{`{"type":"register","username":"bob"}`, MediaRegister},
		{`{"type":"video_frame","username":"bob","frame":"AAAA"}`, MediaVideo},
		{`{"type":"audio_frame","username":"bob","audio":"AAAA"}`, MediaAudio},
		{`{"type":"screen_share","username":"bob","action":"start"}`, MediaScreenControl},
		{`{"type":"screen_share","username":"bob","action":"stop"}`, MediaScreenControl},
		{`{"type":"screen_share","username":"bob","action":"frame","frame":"AAAA"}`, MediaScreenFrame},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			pkt, err := ParseMediaPacket([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, pkt.Kind)
			assert.Equal(t, "bob", pkt.Username)
			assert.False(t, pkt.Binary)
		})
	}

	_, err := ParseMediaPacket([]byte(`{"type":"video_frame"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = ParseMediaPacket([]byte(`{"type":"hologram","username":"bob"}`))
	assert.ErrorIs(t, err, ErrUnknownPacket)

	_, err = ParseMediaPacket([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMediaKind_RegisterNotRelayed(t *testing.T) {
	assert.False(t, MediaRegister.Relayed())
	assert.Equal(t, "unknown(42)", MediaKind(42).String())
}
