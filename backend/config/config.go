package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
)

const (
	defaultHost         = "0.0.0.0"
	defaultTCPPort      = 5555
	defaultUDPPort      = 5556
	defaultMaxFileSize  = 10 << 20
	defaultMaxStoreSize = 256 << 20
	defaultMaxFrameSize = 16 << 20
	defaultKeepAlive    = 30 * time.Second
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	Host          string
	TCPPort       int
	UDPPort       int
	WSListenAddr  string
	APIListenAddr string
	Framing       string
	FileMode      string
	MaxFileSize   int64
	MaxStoreSize  int64
	MaxFrameSize  int
	KeepAlive     time.Duration
	LogLevel      zerolog.Level
	LogConsole    bool
}

// Parse reads command line arguments (without the program name).
func Parse(args []string) (*Config, error) {
	var (
		cfg      Config
		logLevel string
		fs       = pflag.NewFlagSet("lan-conference", pflag.ContinueOnError)
	)
	fs.StringVar(&cfg.Host, "host", defaultHost, "address to bind control and media listeners to")
	fs.IntVarP(&cfg.TCPPort, "tcp-port", "t", defaultTCPPort, "control channel port")
	fs.IntVarP(&cfg.UDPPort, "udp-port", "u", defaultUDPPort, "media channel port")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", "", "websocket control listen address, empty disables it")
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", "", "status api listen address, empty disables it")
	fs.StringVar(&cfg.Framing, "framing", protocol.FramingLength, "control channel framing: length or probe")
	fs.StringVar(&cfg.FileMode, "file-mode", model.FileModeStore, "file transfer mode: store, relay or both")
	fs.Int64Var(&cfg.MaxFileSize, "max-file-size", defaultMaxFileSize, "largest accepted file in bytes")
	fs.Int64Var(&cfg.MaxStoreSize, "max-store-size", defaultMaxStoreSize, "total bytes the file store may hold")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", defaultMaxFrameSize, "largest control document in bytes")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", defaultKeepAlive, "idle read window before a keep-alive probe")
	fs.StringVarP(&logLevel, "log-level", "l", "info", "log level")
	fs.BoolVar(&cfg.LogConsole, "log-console", false, "human readable log output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	cfg.LogLevel = lvl

	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	var errs []error
	if !validPort(cfg.TCPPort) {
		errs = append(errs, fmt.Errorf("tcp port %d is out of range", cfg.TCPPort))
	}
	if !validPort(cfg.UDPPort) {
		errs = append(errs, fmt.Errorf("udp port %d is out of range", cfg.UDPPort))
	}
	switch cfg.Framing {
	case protocol.FramingLength, protocol.FramingProbe:
	default:
		errs = append(errs, fmt.Errorf("unknown framing %q", cfg.Framing))
	}
	switch cfg.FileMode {
	case model.FileModeStore, model.FileModeRelay, model.FileModeBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown file mode %q", cfg.FileMode))
	}
	if cfg.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}
	if cfg.MaxStoreSize < cfg.MaxFileSize {
		errs = append(errs, errors.New("max store size must not be below max file size"))
	}
	if cfg.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("max frame size must be positive"))
	}
	if cfg.KeepAlive <= 0 {
		errs = append(errs, errors.New("keepalive must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

func (cfg *Config) TCPAddr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
}

func (cfg *Config) UDPAddr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.UDPPort))
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
