package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthPrefixed_RoundTrip(t *testing.T) {
	var (
		buf bytes.Buffer
		lp  = &LengthPrefixed{MaxSize: 1024}
	)
	require.NoError(t, lp.WriteFrame(&buf, []byte(`{"type":"ping"}`)))
	require.NoError(t, lp.WriteFrame(&buf, []byte(`{"type":"chat","recipient":"everyone","message":"hi"}`)))

	assert.Equal(t, []byte{0, 0, 0, 15}, buf.Bytes()[:4])

	r := bufio.NewReader(&buf)
	doc, err := lp.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(doc))

	doc, err = lp.ReadFrame(r)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"message":"hi"`)

	_, err = lp.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLengthPrefixed_TooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4096)

	lp := &LengthPrefixed{MaxSize: 1024}
	_, err := lp.ReadFrame(bufio.NewReader(bytes.NewReader(hdr[:])))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = lp.WriteFrame(io.Discard, make([]byte, 2048))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLengthPrefixed_Truncated(t *testing.T) {
	var buf bytes.Buffer
	lp := &LengthPrefixed{}
	require.NoError(t, lp.WriteFrame(&buf, []byte(`{"type":"ping"}`)))

	_, err := lp.ReadFrame(bufio.NewReader(bytes.NewReader(buf.Bytes()[:10])))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLengthPrefixed_EmptyFrameIsMalformed(t *testing.T) {
	lp := &LengthPrefixed{}
	_, err := lp.ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0})))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLengthPrefixed_IdleTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	var (
		lp = &LengthPrefixed{}
		r  = bufio.NewReader(server)
	)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = lp.ReadFrame(r)
	assert.ErrorIs(t, err, ErrIdle)

	// stream stays usable after an idle timeout
	require.NoError(t, lp.WriteFrame(client, []byte(`{"type":"pong"}`)))
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	doc, err := lp.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong"}`, string(doc))
}

func TestProbing_SplitAndCoalesced(t *testing.T) {
	pr, pw := io.Pipe()
	p := &Probing{MaxSize: 1024}
	r := bufio.NewReader(pr)

	go func() {
		_, _ = pw.Write([]byte(`{"type":"chat","recip`))
		_, _ = pw.Write([]byte(`ient":"everyone","message":"a"}  {"type":"ping"}{"type"`))
		_, _ = pw.Write([]byte(`:"pong"}`))
		_ = pw.Close()
	}()

	doc, err := p.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"chat","recipient":"everyone","message":"a"}`, string(doc))

	doc, err = p.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(doc))

	doc, err = p.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong"}`, string(doc))

	_, err = p.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestProbing_MalformedIsSkipped(t *testing.T) {
	p := &Probing{}
	r := bufio.NewReader(bytes.NewReader([]byte(`{"type" 1}`)))

	_, err := p.ReadFrame(r)
	require.ErrorIs(t, err, ErrMalformed)

	p = &Probing{}
	r = bufio.NewReader(bytes.NewReader([]byte(`[1,2]`)))
	_, err = p.ReadFrame(r)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestProbing_NeverAcceptsTruncated(t *testing.T) {
	p := &Probing{}
	r := bufio.NewReader(bytes.NewReader([]byte(`{"type":"chat","message":"trunc`)))

	_, err := p.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestProbing_Overflow(t *testing.T) {
	p := &Probing{MaxSize: 8}
	r := bufio.NewReader(bytes.NewReader([]byte(`{"type":"chat","message":"long enough"`)))

	_, err := p.ReadFrame(r)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNewFramer(t *testing.T) {
	f, err := NewFramer(FramingLength, 10)
	require.NoError(t, err)
	assert.IsType(t, &LengthPrefixed{}, f)

	f, err = NewFramer(FramingProbe, 10)
	require.NoError(t, err)
	assert.IsType(t, &Probing{}, f)

	_, err = NewFramer("xml", 10)
	assert.ErrorIs(t, err, ErrUnknownFraming)
}
