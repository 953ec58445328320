package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
)

var (
	ErrJoin            = errors.New("unable to join")
	ErrNotRegistered   = errors.New("connection is not registered")
	ErrUnknownFileMode = errors.New("unknown file transfer mode")
	ErrMissingStorage  = errors.New("storage is not configured for file transfer mode")
	ErrWireFull        = errors.New("outbound wire is full")
)

type (
	Registry interface {
		Add(handle, username string, wire model.Wire) model.Participant
		Remove(handle string) (model.Participant, bool)
		UpdateStatus(handle string, video, audio *bool) (model.Participant, bool)
		Get(handle string) (model.Peer, bool)
		FindByUsername(username string) (model.Peer, bool)
		Snapshot() []model.Peer
		BindMedia(username string, addr netip.AddrPort) bool
		MediaTargets(username string) []netip.AddrPort
	}

	Switch interface {
		Broadcast(ctx context.Context, src string, msg any) int
		Fanout(ctx context.Context, peers []model.Peer, src string, doc []byte) int
		Route(ctx context.Context, src, recipient string, msg any, echo bool) int
		SendTo(ctx context.Context, handle string, msg any) bool
	}

	FileStore interface {
		Put(filename, uploadedBy string, data []byte) (model.FileInfo, error)
		Get(filename string) (model.FileInfo, []byte, error)
		List() []model.FileInfo
	}

	Service struct {
		reg       Registry
		sw        Switch
		files     FileStore
		transfers Transfers
		logger    zerolog.Logger

		udpPort     int
		maxFileSize int64
		store       bool
		relay       bool

		// serializes roster snapshots so the last one queued is the latest
		rosterMx sync.Mutex
	}

	Config struct {
		Registry    Registry
		Switch      Switch
		FileStore   FileStore
		Transfers   Transfers
		Logger      *zerolog.Logger
		UDPPort     int
		FileMode    string
		MaxFileSize int64
	}
)

func NewService(cfg Config) (*Service, error) {
	svc := &Service{
		reg:         cfg.Registry,
		sw:          cfg.Switch,
		files:       cfg.FileStore,
		transfers:   cfg.Transfers,
		logger:      cfg.Logger.With().Str("component", "session").Logger(),
		udpPort:     cfg.UDPPort,
		maxFileSize: cfg.MaxFileSize,
	}
	switch cfg.FileMode {
	case model.FileModeStore, "":
		svc.store = true
	case model.FileModeRelay:
		svc.relay = true
	case model.FileModeBoth:
		svc.store, svc.relay = true, true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFileMode, cfg.FileMode)
	}
	if (svc.store && cfg.FileStore == nil) || (svc.relay && cfg.Transfers == nil) {
		return nil, ErrMissingStorage
	}
	return svc, nil
}

// Join registers a participant whose handshake has been read, replies with
// connection info on its wire and broadcasts the new roster.
func (svc *Service) Join(ctx context.Context, username string, wire model.Wire) (string, error) {
	username, err := protocol.NormalizeUsername(username)
	if err != nil {
		return "", errors.Join(ErrJoin, err)
	}
	handle := uuid.New().String()

	// connection info must precede any roster, so it goes onto the wire
	// before the participant becomes visible to broadcasts
	info, err := protocol.Encode(model.ConnectionInfo{
		Type:    model.TypeConnectionInfo,
		UDPPort: svc.udpPort,
		Handle:  handle,
	})
	if err != nil {
		return "", errors.Join(ErrJoin, err)
	}
	select {
	case wire.TX <- info:
	default:
		return "", errors.Join(ErrJoin, ErrWireFull)
	}
	svc.reg.Add(handle, username, wire)
	svc.logger.Info().
		Str("handle", handle).
		Str("username", username).
		Msg("participant joined")

	svc.broadcastRoster(ctx)
	return handle, nil
}

// Leave removes a participant. It is safe to call more than once for the
// same handle; only the first call changes the roster.
func (svc *Service) Leave(ctx context.Context, handle string) bool {
	p, ok := svc.reg.Remove(handle)
	if !ok {
		return false
	}
	if svc.transfers != nil {
		if n := svc.transfers.DropPeer(handle); n > 0 {
			svc.logger.Debug().Str("handle", handle).Int("transfers", n).Msg("pending transfers discarded")
		}
	}
	svc.logger.Info().
		Str("handle", handle).
		Str("username", p.Username).
		Msg("participant left")

	svc.broadcastRoster(ctx)
	return true
}

// Handle dispatches one decoded document from the participant behind handle.
func (svc *Service) Handle(ctx context.Context, handle string, msg model.Inbound) error {
	sender, ok := svc.reg.Get(handle)
	if !ok {
		return ErrNotRegistered
	}

	switch m := msg.(type) {
	case model.Chat:
		svc.chat(ctx, sender, m)
	case model.StatusUpdate:
		svc.updateStatus(ctx, sender, m)
	case model.ScreenShare:
		svc.sw.Broadcast(ctx, sender.Handle, model.ScreenShareOut{
			Type:     model.TypeScreenShare,
			Action:   m.Action,
			Username: sender.Username,
			Frame:    m.Frame,
		})
	case model.RequestParticipants:
		svc.sw.SendTo(ctx, sender.Handle, svc.participantList(svc.reg.Snapshot()))
	case model.Ping:
		svc.sw.SendTo(ctx, sender.Handle, model.Notice{Type: model.TypePong})
	case model.Pong:
	case model.FileOffer, model.FileAccept, model.FileReject, model.FileChunk, model.FileEnd:
		if !svc.relay {
			svc.ignore(sender, msg, "chunk relay is disabled")
			return nil
		}
		svc.handleRelay(ctx, sender, msg)
	case model.FileUpload, model.FileDownload, model.FileListRequest, model.FileTransfer:
		if !svc.store {
			svc.ignore(sender, msg, "file store is disabled")
			return nil
		}
		svc.handleStore(ctx, sender, msg)
	case model.Unknown:
		svc.logger.Debug().
			Str("handle", sender.Handle).
			Str("type", m.Type).
			Msg("unknown document type ignored")
	default:
		svc.ignore(sender, msg, "unexpected document")
	}
	return nil
}

// ResolveMedia binds username to the datagram source and returns where its
// packets go. The second value is false for names that are not registered.
func (svc *Service) ResolveMedia(username string, from netip.AddrPort, relay bool) ([]netip.AddrPort, bool) {
	if !svc.reg.BindMedia(username, from) {
		return nil, false
	}
	if !relay {
		return nil, true
	}
	return svc.reg.MediaTargets(username), true
}

// Shutdown tells every participant the server is going away. Each recipient
// is bounded by the switch forward timeout, the notice is never cut short by ctx.
func (svc *Service) Shutdown(ctx context.Context) {
	n := svc.sw.Broadcast(context.WithoutCancel(ctx), "", model.Notice{Type: model.TypeServerShutdown})
	svc.logger.Info().Int("participants", n).Msg("shutdown notice sent")
}

// Roster returns the current participants in join order.
func (svc *Service) Roster() []model.RosterEntry {
	return svc.participantList(svc.reg.Snapshot()).Participants
}

// Files lists the blobs held by the file store.
func (svc *Service) Files() []model.FileInfo {
	if svc.files == nil {
		return []model.FileInfo{}
	}
	return svc.files.List()
}

func (svc *Service) chat(ctx context.Context, sender model.Peer, m model.Chat) {
	svc.sw.Route(ctx, sender.Handle, m.Recipient, model.ChatOut{
		Type:      model.TypeChat,
		From:      sender.Username,
		Message:   m.Message,
		Recipient: m.Recipient,
		Timestamp: timestamp(),
	}, true)
}

func (svc *Service) updateStatus(ctx context.Context, sender model.Peer, m model.StatusUpdate) {
	if m.Video == nil && m.Audio == nil {
		return
	}
	p, ok := svc.reg.UpdateStatus(sender.Handle, m.Video, m.Audio)
	if !ok {
		return
	}
	svc.logger.Debug().
		Str("username", p.Username).
		Bool("video", p.Video).
		Bool("audio", p.Audio).
		Msg("status updated")
	svc.broadcastRoster(ctx)
}

// broadcastRoster queues the current roster on every wire. A roster that
// reaches only part of the participants would leave them inconsistent for
// good, so cancellation of the caller's ctx does not stop the fan-out.
func (svc *Service) broadcastRoster(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	svc.rosterMx.Lock()
	defer svc.rosterMx.Unlock()

	peers := svc.reg.Snapshot()
	doc, err := protocol.Encode(svc.participantList(peers))
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal participant list")
		return
	}
	svc.sw.Fanout(ctx, peers, "", doc)
}

func (svc *Service) participantList(peers []model.Peer) model.ParticipantList {
	list := model.ParticipantList{
		Type:         model.TypeParticipantList,
		Participants: make([]model.RosterEntry, 0, len(peers)),
	}
	for _, p := range peers {
		list.Participants = append(list.Participants, p.RosterEntry())
	}
	return list
}

func (svc *Service) ignore(sender model.Peer, msg model.Inbound, reason string) {
	svc.logger.Debug().
		Str("handle", sender.Handle).
		Str("document", fmt.Sprintf("%T", msg)).
		Msg(reason)
}
