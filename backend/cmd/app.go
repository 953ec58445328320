package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/config"
	httpServer "github.com/adwski/lan-conference/backend/server/http"
	tcpServer "github.com/adwski/lan-conference/backend/server/tcp"
	udpServer "github.com/adwski/lan-conference/backend/server/udp"
	websocketServer "github.com/adwski/lan-conference/backend/server/websocket"
	"github.com/adwski/lan-conference/backend/service"
	store "github.com/adwski/lan-conference/backend/storage/memory"
	sw "github.com/adwski/lan-conference/backend/switch"
)

const shutdownNoticeTimeout = 2 * time.Second

type server interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if cfg.LogConsole {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	}
	logger = logger.Level(cfg.LogLevel)

	// media socket is bound first, its port goes into connection info
	udpSrv := udpServer.NewServer(udpServer.Config{
		Logger:     &logger,
		ListenAddr: cfg.UDPAddr(),
	})
	if err = udpSrv.Listen(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.UDPAddr()).Msg("failed to bind media channel")
	}

	reg := store.NewRegistry()
	svc, err := service.NewService(service.Config{
		Registry:    reg,
		Switch:      sw.NewSwitch(&logger, reg),
		FileStore:   store.NewFileStore(cfg.MaxFileSize, cfg.MaxStoreSize),
		Transfers:   store.NewTransfers(),
		Logger:      &logger,
		UDPPort:     udpSrv.Port(),
		FileMode:    cfg.FileMode,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session service")
	}
	udpSrv.SetService(svc)

	tcpSrv, err := tcpServer.NewServer(tcpServer.Config{
		Logger:       &logger,
		Service:      svc,
		ListenAddr:   cfg.TCPAddr(),
		Framing:      cfg.Framing,
		MaxFrameSize: cfg.MaxFrameSize,
		KeepAlive:    cfg.KeepAlive,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create control server")
	}
	if err = tcpSrv.Listen(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.TCPAddr()).Msg("failed to bind control channel")
	}

	servers := []server{tcpSrv, udpSrv}
	if cfg.WSListenAddr != "" {
		servers = append(servers, websocketServer.NewServer(websocketServer.Config{
			Logger:         &logger,
			Service:        svc,
			ListenAddr:     cfg.WSListenAddr,
			MaxMessageSize: int64(cfg.MaxFrameSize),
		}))
	}
	if cfg.APIListenAddr != "" {
		servers = append(servers, httpServer.NewServer(httpServer.Config{
			Logger:     &logger,
			Service:    svc,
			ListenAddr: cfg.APIListenAddr,
		}))
	}

	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(servers))
	)
	wg.Add(len(servers))
	for _, srv := range servers {
		go srv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-sigCtx.Done():
		logger.Warn().Msg("interrupted")
	}

	// notice goes out before connections are torn down so writers can flush it
	noticeCtx, noticeCancel := context.WithTimeout(context.Background(), shutdownNoticeTimeout)
	svc.Shutdown(noticeCtx)
	noticeCancel()

	cancel()
	wg.Wait()
}
