package model

// Recipient sentinel that expands to every registered participant.
const RecipientEveryone = "everyone"

// Control channel document types.
const (
	TypeConnectionInfo      = "connection_info"
	TypeParticipantList     = "participant_list"
	TypeRequestParticipants = "request_participants"
	TypeChat                = "chat"
	TypeStatusUpdate        = "status_update"
	TypeScreenShare         = "screen_share"
	TypeFileOffer           = "file_offer"
	TypeFileAccept          = "file_accept"
	TypeFileReject          = "file_reject"
	TypeFileChunk           = "file_chunk"
	TypeFileEnd             = "file_end"
	TypeFileTransfer        = "file_transfer"
	TypeFileUpload          = "file_upload"
	TypeFileDownload        = "file_download"
	TypeFileAvailable       = "file_available"
	TypeFileData            = "file_data"
	TypeFileList            = "file_list"
	TypeFileError           = "file_error"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeServerShutdown      = "server_shutdown"
)

// Screen share actions.
const (
	ScreenShareStart = "start"
	ScreenShareStop  = "stop"
	ScreenShareFrame = "frame"
)

// Inbound is a decoded client document. The set of implementations is closed;
// anything unrecognized decodes to Unknown.
type Inbound interface {
	inbound()
}

type (
	Handshake struct {
		Username string `json:"username"`
	}

	Chat struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}

	StatusUpdate struct {
		Video *bool `json:"video,omitempty"`
		Audio *bool `json:"audio,omitempty"`
	}

	ScreenShare struct {
		Action string `json:"action"`
		Frame  string `json:"frame,omitempty"`
	}

	RequestParticipants struct{}

	FileOffer struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
	}

	FileAccept struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
	}

	FileReject struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
		Reason    string `json:"reason,omitempty"`
	}

	FileChunk struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
		Seq       int    `json:"seq"`
		Data      []byte `json:"data"`
	}

	FileEnd struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
	}

	FileTransfer struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
		Data      []byte `json:"data"`
	}

	FileUpload struct {
		Recipient string `json:"recipient"`
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
		Data      []byte `json:"data"`
	}

	FileDownload struct {
		Filename string `json:"filename"`
	}

	FileListRequest struct{}

	Ping struct{}

	Pong struct{}

	Unknown struct {
		Type string
	}
)

func (Handshake) inbound()           {}
func (Chat) inbound()                {}
func (StatusUpdate) inbound()        {}
func (ScreenShare) inbound()         {}
func (RequestParticipants) inbound() {}
func (FileOffer) inbound()           {}
func (FileAccept) inbound()          {}
func (FileReject) inbound()          {}
func (FileChunk) inbound()           {}
func (FileEnd) inbound()             {}
func (FileTransfer) inbound()        {}
func (FileUpload) inbound()          {}
func (FileDownload) inbound()        {}
func (FileListRequest) inbound()     {}
func (Ping) inbound()                {}
func (Pong) inbound()                {}
func (Unknown) inbound()             {}

// Server documents.
type (
	ConnectionInfo struct {
		Type    string `json:"type"`
		UDPPort int    `json:"udp_port"`
		Handle  string `json:"handle"`
	}

	ParticipantList struct {
		Type         string        `json:"type"`
		Participants []RosterEntry `json:"participants"`
	}

	ChatOut struct {
		Type      string  `json:"type"`
		From      string  `json:"from"`
		Message   string  `json:"message"`
		Recipient string  `json:"recipient"`
		Timestamp float64 `json:"timestamp"`
	}

	ScreenShareOut struct {
		Type     string `json:"type"`
		Action   string `json:"action"`
		Username string `json:"username"`
		Frame    string `json:"frame,omitempty"`
	}

	// FileEvent covers every file_* document the server emits.
	FileEvent struct {
		Type      string `json:"type"`
		From      string `json:"from,omitempty"`
		Recipient string `json:"recipient,omitempty"`
		Filename  string `json:"filename"`
		Size      int64  `json:"size,omitempty"`
		Seq       int    `json:"seq,omitempty"`
		Data      []byte `json:"data,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}

	FileListOut struct {
		Type  string     `json:"type"`
		Files []FileInfo `json:"files"`
	}

	Notice struct {
		Type string `json:"type"`
	}
)
