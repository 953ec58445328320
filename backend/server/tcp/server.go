package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
)

const (
	defaultHandshakeTimeout   = 10 * time.Second
	defaultKeepAlive          = 30 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultLeaveTimeout       = 2 * time.Second
	defaultWireSize           = 256
	defaultMaxFrameSize       = 16 << 20

	// unanswered probes (or failed probe enqueues) before a connection is dead
	maxMissedProbes = 2
)

var (
	ErrUnexpected = errors.New("unexpected server error")

	pingDoc, _ = protocol.Encode(model.Notice{Type: model.TypePing})
)

type (
	SessionService interface {
		Join(ctx context.Context, username string, wire model.Wire) (string, error)
		Leave(ctx context.Context, handle string) bool
		Handle(ctx context.Context, handle string, msg model.Inbound) error
	}

	Config struct {
		Logger       *zerolog.Logger
		Service      SessionService
		ListenAddr   string
		Framing      string
		MaxFrameSize int
		KeepAlive    time.Duration
	}

	// Server is the control channel listener.
	Server struct {
		svc    SessionService
		logger zerolog.Logger

		listenAddr   string
		framing      string
		maxFrameSize int
		keepAlive    time.Duration

		ln    net.Listener
		conns sync.WaitGroup
	}
)

func NewServer(cfg Config) (*Server, error) {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "control-server").Logger(),
		svc:          cfg.Service,
		listenAddr:   cfg.ListenAddr,
		framing:      cfg.Framing,
		maxFrameSize: cfg.MaxFrameSize,
		keepAlive:    cfg.KeepAlive,
	}
	if srv.maxFrameSize <= 0 {
		srv.maxFrameSize = defaultMaxFrameSize
	}
	if srv.keepAlive <= 0 {
		srv.keepAlive = defaultKeepAlive
	}
	if _, err := protocol.NewFramer(srv.framing, srv.maxFrameSize); err != nil {
		return nil, err
	}
	return srv, nil
}

// Listen binds the listening socket. Run calls it when it was not called before.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.listenAddr)
	if err != nil {
		return err
	}
	srv.ln = ln
	return nil
}

func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Run accepts connections until ctx is done, then waits for every connection
// handler to flush and exit.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.ln == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}
	srv.logger.Info().Str("addr", srv.ln.Addr().String()).Msg("server started")

	go func() {
		<-ctx.Done()
		if err := srv.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.logger.Error().Err(err).Msg("failed to close listener")
		}
	}()

AcceptLoop:
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break AcceptLoop
			}
			srv.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		srv.conns.Add(1)
		go func() {
			defer srv.conns.Done()
			srv.handleConn(ctx, conn)
		}()
	}
	srv.conns.Wait()
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := srv.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("connection handler panicked")
		}
		connCloser(conn, &logger)
	}()

	framer, _ := protocol.NewFramer(srv.framing, srv.maxFrameSize)
	r := bufio.NewReader(conn)

	username, ok := srv.handshake(ctx, conn, r, framer, &logger)
	if !ok || ctx.Err() != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wire := model.NewWire(defaultWireSize, cancel)
	handle, err := srv.svc.Join(connCtx, username, wire)
	if err != nil {
		logger.Warn().Err(err).Msg("registration failed")
		return
	}
	logger = logger.With().
		Str("handle", handle).
		Str("username", username).
		Logger()

	// unblock the reader when the connection is torn down from elsewhere
	go func() {
		<-connCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		connSender(connCtx, wg, conn, framer, wire.TX, &logger)
		cancel()
	}()

	srv.connReceiver(connCtx, conn, r, framer, handle, wire, &logger)
	cancel()
	wg.Wait()

	srv.destroySession(handle, &logger)
}

func (srv *Server) handshake(
	ctx context.Context,
	conn net.Conn,
	r *bufio.Reader,
	framer protocol.Framer,
	logger *zerolog.Logger,
) (string, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout)); err != nil {
		logger.Error().Err(err).Msg("failed to set read deadline")
		return "", false
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	doc, err := framer.ReadFrame(r)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read handshake")
		return "", false
	}
	hs, err := protocol.DecodeHandshake(doc)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid handshake")
		return "", false
	}
	return hs.Username, true
}

func (srv *Server) destroySession(handle string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
	defer cancel()
	if srv.svc.Leave(ctx, handle) {
		logger.Debug().Msg("session ended")
	}
}

func (srv *Server) connReceiver(
	ctx context.Context,
	conn net.Conn,
	r *bufio.Reader,
	framer protocol.Framer,
	handle string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	var missed, probeFailures int

RecvLoop:
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(srv.keepAlive)); err != nil {
			logger.Error().Err(err).Msg("failed to set read deadline")
			break RecvLoop
		}
		if ctx.Err() != nil {
			break RecvLoop
		}
		doc, err := framer.ReadFrame(r)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				break RecvLoop
			case errors.Is(err, protocol.ErrIdle):
				missed++
				if missed > maxMissedProbes {
					logger.Warn().Int("probes", missed-1).Msg("keep-alive probes unanswered")
					break RecvLoop
				}
				if probe(wire.TX) {
					probeFailures = 0
					logger.Trace().Msg("ping sent")
					continue
				}
				probeFailures++
				if probeFailures >= maxMissedProbes {
					logger.Warn().Msg("failed to send keep-alive probes")
					break RecvLoop
				}
				continue
			case errors.Is(err, protocol.ErrMalformed):
				logger.Warn().Err(err).Msg("malformed document skipped")
				continue
			case errors.Is(err, io.EOF):
				logger.Debug().Msg("connection closed by peer")
			default:
				logger.Error().Err(err).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		missed = 0

		msg, err := protocol.Decode(doc)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode incoming document")
			continue
		}
		if err = srv.svc.Handle(ctx, handle, msg); err != nil {
			logger.Error().Err(err).Msg("failed to handle document")
			break RecvLoop
		}
	}
}

func probe(tx chan<- []byte) bool {
	select {
	case tx <- pingDoc:
		return true
	default:
		return false
	}
}

func connSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn net.Conn,
	framer protocol.Framer,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	defer wg.Done()

SendLoop:
	for {
		select {
		case <-ctx.Done():
			connFlush(conn, framer, tx, logger)
			break SendLoop
		case doc := <-tx:
			if err := writeDoc(conn, framer, doc, defaultWriteDeadline); err != nil {
				if errors.Is(err, protocol.ErrFrameTooLarge) {
					logger.Warn().Err(err).Msg("outgoing document dropped")
					continue
				}
				logger.Error().Err(err).Msg("failed to write outgoing document")
				break SendLoop
			}
		}
	}
}

// connFlush writes whatever is already queued, e.g. the shutdown notice.
func connFlush(conn net.Conn, framer protocol.Framer, tx <-chan []byte, logger *zerolog.Logger) {
	for {
		select {
		case doc := <-tx:
			if err := writeDoc(conn, framer, doc, defaultCloseWriteDeadline); err != nil {
				logger.Debug().Err(err).Msg("failed to flush outgoing document")
				return
			}
		default:
			return
		}
	}
}

func writeDoc(conn net.Conn, framer protocol.Framer, doc []byte, deadline time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	return framer.WriteFrame(conn, doc)
}

func connCloser(conn net.Conn, logger *zerolog.Logger) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Error().Err(err).Msg("failed to close connection")
	}
}
