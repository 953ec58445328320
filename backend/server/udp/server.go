package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/protocol"
)

const (
	defaultPacketBufferSize = 128 * 1024
	defaultSocketBufferSize = 2 * 1024 * 1024
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	MediaService interface {
		ResolveMedia(username string, from netip.AddrPort, relay bool) ([]netip.AddrPort, bool)
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    MediaService
		ListenAddr string
	}

	// Server is the media channel listener. A single loop serves every
	// participant since all datagrams arrive on one socket.
	Server struct {
		svc        MediaService
		logger     zerolog.Logger
		listenAddr string
		conn       *net.UDPConn
	}
)

func NewServer(cfg Config) *Server {
	return &Server{
		logger:     cfg.Logger.With().Str("component", "media-server").Logger(),
		svc:        cfg.Service,
		listenAddr: cfg.ListenAddr,
	}
}

// SetService attaches the media resolver when it is built after the socket is bound.
func (srv *Server) SetService(svc MediaService) {
	srv.svc = svc
}

func (srv *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", srv.listenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	if err = conn.SetReadBuffer(defaultSocketBufferSize); err != nil {
		srv.logger.Warn().Err(err).Msg("failed to set socket read buffer")
	}
	if err = conn.SetWriteBuffer(defaultSocketBufferSize); err != nil {
		srv.logger.Warn().Err(err).Msg("failed to set socket write buffer")
	}
	srv.conn = conn
	return nil
}

// Port returns the bound port, it is what clients are told in connection info.
func (srv *Server) Port() int {
	if srv.conn == nil {
		return 0
	}
	return srv.conn.LocalAddr().(*net.UDPAddr).Port
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.conn == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}
	srv.logger.Info().Str("addr", srv.conn.LocalAddr().String()).Msg("server started")

	go func() {
		<-ctx.Done()
		if err := srv.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.logger.Error().Err(err).Msg("failed to close socket")
		}
	}()

	buf := make([]byte, defaultPacketBufferSize)
	for {
		n, from, err := srv.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.logger.Error().Err(err).Msg("unexpected error during receive")
			continue
		}
		srv.relay(buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}

// relay forwards the datagram unchanged. Send failures are per recipient
// and never retried, the next frame supersedes a lost one.
func (srv *Server) relay(packet []byte, from netip.AddrPort) {
	pkt, err := protocol.ParseMediaPacket(packet)
	if err != nil {
		srv.logger.Debug().Err(err).Str("from", from.String()).Msg("packet dropped")
		return
	}
	targets, ok := srv.svc.ResolveMedia(pkt.Username, from, pkt.Kind.Relayed())
	if !ok {
		srv.logger.Debug().
			Str("from", from.String()).
			Str("username", pkt.Username).
			Msg("packet from unregistered username dropped")
		return
	}
	if pkt.Kind == protocol.MediaRegister {
		srv.logger.Debug().
			Str("from", from.String()).
			Str("username", pkt.Username).
			Msg("media address bound")
		return
	}

	for _, dst := range targets {
		if _, err = srv.conn.WriteToUDPAddrPort(packet, dst); err != nil {
			srv.logger.Debug().
				Err(err).
				Str("dst", dst.String()).
				Str("kind", pkt.Kind.String()).
				Msg("failed to relay packet")
		}
	}
}
