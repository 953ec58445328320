package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
	"github.com/adwski/lan-conference/backend/storage/memory"
)

// registryService resolves media straight against a registry.
type registryService struct {
	reg *memory.Registry
}

func (rs registryService) ResolveMedia(username string, from netip.AddrPort, relay bool) ([]netip.AddrPort, bool) {
	if !rs.reg.BindMedia(username, from) {
		return nil, false
	}
	if !relay {
		return nil, true
	}
	return rs.reg.MediaTargets(username), true
}

func startMedia(t *testing.T, names ...string) *Server {
	t.Helper()
	var (
		logger = zerolog.Nop()
		reg    = memory.NewRegistry()
	)
	for _, name := range names {
		reg.Add("h-"+name, name, model.NewWire(1, nil))
	}
	srv := NewServer(Config{
		Logger:     &logger,
		Service:    registryService{reg: reg},
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go srv.Run(ctx, wg, make(chan error, 1))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return srv
}

func mediaClient(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *net.UDPConn, username string) {
	t.Helper()
	pkt, err := protocol.AppendMediaPacket(nil, protocol.MediaRegister, username, nil)
	require.NoError(t, err)
	_, err = conn.Write(pkt)
	require.NoError(t, err)
}

func receive(conn *net.UDPConn, wait time.Duration) ([]byte, error) {
	buf := make([]byte, defaultPacketBufferSize)
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestRelayExcludesSender(t *testing.T) {
	var (
		srv = startMedia(t, "A", "B", "C")
		a   = mediaClient(t, srv)
		b   = mediaClient(t, srv)
		c   = mediaClient(t, srv)
	)
	register(t, a, "A")
	register(t, b, "B")
	register(t, c, "C")
	// registration is processed in order by the single receive loop; give it a moment
	time.Sleep(50 * time.Millisecond)

	frame, err := protocol.AppendMediaPacket(nil, protocol.MediaVideo, "A", []byte{0xff, 0xd8, 1, 2, 3})
	require.NoError(t, err)
	_, err = a.Write(frame)
	require.NoError(t, err)

	for _, conn := range []*net.UDPConn{b, c} {
		got, err := receive(conn, time.Second)
		require.NoError(t, err)
		assert.Equal(t, frame, got, "packets are relayed verbatim")
	}
	_, err = receive(a, 100*time.Millisecond)
	assert.Error(t, err, "sender must not get its own frame back")
}

func TestRelayJSONAndUnregistered(t *testing.T) {
	var (
		srv = startMedia(t, "A", "B")
		a   = mediaClient(t, srv)
		b   = mediaClient(t, srv)
		m   = mediaClient(t, srv)
	)
	_, err := a.Write([]byte(`{"type":"register","username":"A"}`))
	require.NoError(t, err)
	_, err = b.Write([]byte(`{"type":"register","username":"B"}`))
	require.NoError(t, err)
	register(t, m, "mallory")
	time.Sleep(50 * time.Millisecond)

	share := []byte(`{"type":"screen_share","action":"start","username":"B"}`)
	_, err = b.Write(share)
	require.NoError(t, err)
	got, err := receive(a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, share, got)

	_, err = receive(m, 100*time.Millisecond)
	assert.Error(t, err, "unregistered names are never bound")

	// malformed packets are dropped without stopping the loop
	_, err = b.Write([]byte{7})
	require.NoError(t, err)
	audio, err := protocol.AppendMediaPacket(nil, protocol.MediaAudio, "B", []byte{1, 2})
	require.NoError(t, err)
	_, err = b.Write(audio)
	require.NoError(t, err)
	got, err = receive(a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}
