package model

import (
	"net/netip"
	"time"
)

// File transfer modes the server can run with.
const (
	FileModeStore = "store"
	FileModeRelay = "relay"
	FileModeBoth  = "both"
)

// Participant is a registered control connection and its self-reported media state.
type Participant struct {
	Handle   string
	Username string
	Video    bool
	Audio    bool
	// MediaAddr is the zero value until the first media packet carrying Username arrives.
	MediaAddr netip.AddrPort
	JoinedAt  time.Time
}

// RosterEntry is the externally visible part of a participant.
type RosterEntry struct {
	Username string `json:"username"`
	Video    bool   `json:"video"`
	Audio    bool   `json:"audio"`
}

func (p Participant) RosterEntry() RosterEntry {
	return RosterEntry{
		Username: p.Username,
		Video:    p.Video,
		Audio:    p.Audio,
	}
}

// Wire is the outbound path of a participant. TX carries encoded documents
// and is drained by the connection writer. Drop tears the connection down.
type Wire struct {
	TX   chan []byte
	Drop func()
}

func NewWire(size int, drop func()) Wire {
	return Wire{
		TX:   make(chan []byte, size),
		Drop: drop,
	}
}

// FileInfo describes a blob held by the file store.
type FileInfo struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Peer is a point-in-time copy of a registered participant and its outbound wire.
type Peer struct {
	Participant
	Wire Wire
}
