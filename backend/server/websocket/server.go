package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second
	defaultHandshakeTimeout    = 10 * time.Second
	defaultWireSize            = 256

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 16 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		Join(ctx context.Context, username string, wire model.Wire) (string, error)
		Leave(ctx context.Context, handle string) bool
		Handle(ctx context.Context, handle string, msg model.Inbound) error
	}

	Config struct {
		Logger         *zerolog.Logger
		Service        SessionService
		ListenAddr     string
		MaxMessageSize int64
	}

	// Server carries the control channel over websocket for browser clients.
	Server struct {
		svc SessionService
		ws  *websocket.Upgrader
		*http.Server

		logger         zerolog.Logger
		maxMessageSize int64

		ln      net.Listener
		baseCtx context.Context
		mx      *sync.Mutex
		closed  bool
		conns   sync.WaitGroup
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.Service,
		maxMessageSize: cfg.MaxMessageSize,
		mx:             &sync.Mutex{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/control", srv.control)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	return srv
}

// Listen binds the listening socket. Run calls it when it was not called before.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.ln = ln
	return nil
}

func (srv *Server) ListenerAddr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

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
	srv.baseCtx = ctx

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.Serve(srv.ln)
	}()

	srv.logger.Info().Str("addr", srv.ln.Addr().String()).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}

	// hijacked connections are not tracked by http.Server
	srv.mx.Lock()
	srv.closed = true
	srv.mx.Unlock()
	srv.conns.Wait()
}

func (srv *Server) control(c *gin.Context) {
	conn, err := srv.ws.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	srv.mx.Lock()
	if srv.closed {
		srv.mx.Unlock()
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.conns.Add(1)
	srv.mx.Unlock()

	go func() {
		defer srv.conns.Done()
		srv.handleWSConn(srv.baseCtx, conn)
	}()
}

func (srv *Server) handleWSConn(ctx context.Context, conn *websocket.Conn) {
	logger := srv.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("connection handler panicked")
		}
		webSocketCloser(conn, &logger)
	}()

	conn.SetReadLimit(srv.maxMessageSize)
	username, ok := handshake(ctx, conn, &logger)
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

	go func() {
		<-connCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketSender(connCtx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	srv.webSocketReceiver(connCtx, conn, handle, &logger)
	cancel()
	wg.Wait()

	srv.destroySession(handle, &logger)
}

func handshake(ctx context.Context, conn *websocket.Conn, logger *zerolog.Logger) (string, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
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

	msgType, doc, err := conn.ReadMessage()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read handshake")
		return "", false
	}
	if msgType != websocket.TextMessage {
		logger.Warn().Int("type", msgType).Msg("handshake is not a text message")
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
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	if srv.svc.Leave(ctx, handle) {
		logger.Debug().Msg("session ended")
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			webSocketFlush(conn, tx, logger)
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case doc := <-tx:
			if wsErr := writeText(conn, doc, defaultWebSocketWriteDeadline); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing document")
				break SendLoop
			}
		}
	}
}

// webSocketFlush writes whatever is already queued, e.g. the shutdown notice.
func webSocketFlush(conn *websocket.Conn, tx <-chan []byte, logger *zerolog.Logger) {
	for {
		select {
		case doc := <-tx:
			if err := writeText(conn, doc, defaultWebSocketCloseWriteDeadline); err != nil {
				logger.Debug().Err(err).Msg("failed to flush outgoing document")
				return
			}
		default:
			return
		}
	}
}

func writeText(conn *websocket.Conn, doc []byte, deadline time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(doc); err != nil {
		return err
	}
	return wsW.Close()
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	handle string,
	logger *zerolog.Logger,
) {
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		if ctx.Err() != nil {
			return nil
		}
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for ctx.Err() == nil {
		msgType, doc, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		if msgType != websocket.TextMessage {
			logger.Warn().Int("type", msgType).Msg("non-text message skipped")
			continue
		}

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

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil && !errors.Is(wsErr, net.ErrClosed) {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
