package _switch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/model"
	"github.com/adwski/lan-conference/backend/protocol"
)

const (
	defaultFwdTimout = time.Second
)

type Registry interface {
	Get(handle string) (model.Peer, bool)
	FindByUsername(username string) (model.Peer, bool)
	Snapshot() []model.Peer
}

// Switch resolves recipients against the registry and pushes documents onto
// their wires. Every fan-out iterates over a registry snapshot.
type Switch struct {
	logger     zerolog.Logger
	reg        Registry
	fwdTimeout time.Duration
}

func NewSwitch(logger *zerolog.Logger, reg Registry) *Switch {
	return &Switch{
		logger:     logger.With().Str("component", "switch").Logger(),
		reg:        reg,
		fwdTimeout: defaultFwdTimout,
	}
}

// Broadcast sends msg to every participant except src. Empty src reaches everybody.
// It returns the number of wires the document was queued on.
func (sw *Switch) Broadcast(ctx context.Context, src string, msg any) int {
	doc, ok := sw.encode(msg)
	if !ok {
		return 0
	}
	return sw.Fanout(ctx, sw.reg.Snapshot(), src, doc)
}

// Fanout queues an encoded document on the wires of peers, skipping src.
func (sw *Switch) Fanout(ctx context.Context, peers []model.Peer, src string, doc []byte) int {
	var sent int
	for _, peer := range peers {
		if peer.Handle == src {
			continue
		}
		annSent, canceled := sw.send(ctx, peer, doc)
		if canceled {
			break
		}
		if annSent {
			sent++
		}
	}
	return sent
}

// Route delivers msg according to recipient: the "everyone" sentinel means all
// participants but src, anything else is the earliest joined participant with
// that username. Unknown recipients are dropped silently. With echo set, src
// gets exactly one copy as well.
func (sw *Switch) Route(ctx context.Context, src, recipient string, msg any, echo bool) int {
	doc, ok := sw.encode(msg)
	if !ok {
		return 0
	}

	logger := sw.logger.With().
		Str("src", src).
		Str("recipient", recipient).
		Logger()

	if recipient == model.RecipientEveryone {
		exclude := src
		if echo {
			exclude = ""
		}
		return sw.Fanout(ctx, sw.reg.Snapshot(), exclude, doc)
	}

	var (
		sent    int
		targets = make([]model.Peer, 0, 2)
	)
	dst, found := sw.reg.FindByUsername(recipient)
	if found {
		targets = append(targets, dst)
	} else {
		logger.Debug().Msg("cannot forward, recipient not found")
	}
	if echo && (!found || dst.Handle != src) {
		if self, ok := sw.reg.Get(src); ok {
			targets = append(targets, self)
		}
	}
	for _, peer := range targets {
		annSent, canceled := sw.send(ctx, peer, doc)
		if canceled {
			break
		}
		if annSent {
			sent++
		}
	}
	return sent
}

// SendTo queues msg for a single handle.
func (sw *Switch) SendTo(ctx context.Context, handle string, msg any) bool {
	doc, ok := sw.encode(msg)
	if !ok {
		return false
	}
	peer, ok := sw.reg.Get(handle)
	if !ok {
		sw.logger.Debug().Str("dst", handle).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, peer, doc)
	return sent
}

func (sw *Switch) encode(msg any) ([]byte, bool) {
	doc, err := protocol.Encode(msg)
	if err != nil {
		sw.logger.Error().Err(err).Msg("failed to marshal outgoing document")
		return nil, false
	}
	return doc, true
}

// send waits at most fwdTimeout for room on the wire. A peer that cannot keep
// up is dropped, its reliable stream would have a hole otherwise.
func (sw *Switch) send(ctx context.Context, peer model.Peer, doc []byte) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(sw.fwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		sw.logger.Error().
			Str("dst", peer.Handle).
			Str("username", peer.Username).
			Msg("dead endpoint")
		if peer.Wire.Drop != nil {
			peer.Wire.Drop()
		}
	case peer.Wire.TX <- doc:
		sw.logger.Trace().Str("dst", peer.Handle).Msg("document is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
