package memory

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/adwski/lan-conference/backend/model"
)

type registryEntry struct {
	seq  uint64
	p    model.Participant
	wire model.Wire
}

// Registry maps control connection handles to participants. All reads and
// writes go through one lock; iteration is done over snapshots.
type Registry struct {
	mx      *sync.RWMutex
	seq     uint64
	entries map[string]*registryEntry
	media   map[string]netip.AddrPort
}

func NewRegistry() *Registry {
	return &Registry{
		mx:      &sync.RWMutex{},
		entries: make(map[string]*registryEntry),
		media:   make(map[string]netip.AddrPort),
	}
}

func (r *Registry) Add(handle, username string, wire model.Wire) model.Participant {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.seq++
	e := &registryEntry{
		seq: r.seq,
		p: model.Participant{
			Handle:   handle,
			Username: username,
			JoinedAt: time.Now(),
		},
		wire: wire,
	}
	r.entries[handle] = e
	return r.participant(e)
}

// Remove deletes the participant. The second return value is false when the
// handle was not registered, which makes repeated removal a no-op.
func (r *Registry) Remove(handle string) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return model.Participant{}, false
	}
	p := r.participant(e)
	delete(r.entries, handle)

	if !r.usernameTaken(e.p.Username) {
		delete(r.media, e.p.Username)
	}
	return p, true
}

// UpdateStatus sets the flags that are not nil.
func (r *Registry) UpdateStatus(handle string, video, audio *bool) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return model.Participant{}, false
	}
	if video != nil {
		e.p.Video = *video
	}
	if audio != nil {
		e.p.Audio = *audio
	}
	return r.participant(e), true
}

func (r *Registry) Get(handle string) (model.Peer, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	e, ok := r.entries[handle]
	if !ok {
		return model.Peer{}, false
	}
	return model.Peer{Participant: r.participant(e), Wire: e.wire}, true
}

// FindByUsername returns the earliest joined participant with the given name.
func (r *Registry) FindByUsername(username string) (model.Peer, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	var found *registryEntry
	for _, e := range r.entries {
		if e.p.Username == username && (found == nil || e.seq < found.seq) {
			found = e
		}
	}
	if found == nil {
		return model.Peer{}, false
	}
	return model.Peer{Participant: r.participant(found), Wire: found.wire}, true
}

// Snapshot returns all participants in join order.
func (r *Registry) Snapshot() []model.Peer {
	r.mx.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *registryEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	peers := make([]model.Peer, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, model.Peer{Participant: r.participant(e), Wire: e.wire})
	}
	r.mx.RUnlock()
	return peers
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.entries)
}

// BindMedia points username at addr, last writer wins. Names that are not
// registered are not bound.
func (r *Registry) BindMedia(username string, addr netip.AddrPort) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if !r.usernameTaken(username) {
		return false
	}
	r.media[username] = addr
	return true
}

// MediaTargets returns every bound media address except the one of username.
func (r *Registry) MediaTargets(username string) []netip.AddrPort {
	r.mx.RLock()
	defer r.mx.RUnlock()

	targets := make([]netip.AddrPort, 0, len(r.media))
	for name, addr := range r.media {
		if name != username {
			targets = append(targets, addr)
		}
	}
	return targets
}

func (r *Registry) usernameTaken(username string) bool {
	for _, e := range r.entries {
		if e.p.Username == username {
			return true
		}
	}
	return false
}

func (r *Registry) participant(e *registryEntry) model.Participant {
	p := e.p
	p.MediaAddr = r.media[p.Username]
	return p
}
