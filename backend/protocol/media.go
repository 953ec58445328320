package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/adwski/lan-conference/backend/model"
)

// MediaKind is the packet type of the media channel. The values double as
// the first byte of binary packets.
type MediaKind byte

const (
	MediaRegister MediaKind = iota
	MediaVideo
	MediaAudio
	MediaScreenFrame
	MediaScreenControl
)

// JSON media documents.
const (
	mediaTypeRegister = "register"
	mediaTypeVideo    = "video_frame"
	mediaTypeAudio    = "audio_frame"
)

func (k MediaKind) String() string {
	switch k {
	case MediaRegister:
		return "register"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaScreenFrame:
		return "screen_frame"
	case MediaScreenControl:
		return "screen_control"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

// Relayed reports whether packets of this kind are fanned out.
func (k MediaKind) Relayed() bool {
	return k != MediaRegister
}

// MediaPacket is the server's view of a datagram. The payload is never
// interpreted; relays forward the datagram bytes unchanged.
type MediaPacket struct {
	Kind     MediaKind
	Username string
	Binary   bool
}

type mediaDoc struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Action   string `json:"action"`
}

// ParseMediaPacket reads the sender and kind of a datagram. Binary packets are
// laid out as [kind][username length][username][payload]; a leading '{'
// selects the JSON form.
func ParseMediaPacket(b []byte) (MediaPacket, error) {
	if len(b) == 0 {
		return MediaPacket{}, ErrShortPacket
	}
	if b[0] == '{' {
		return parseMediaDoc(b)
	}

	kind := MediaKind(b[0])
	if kind > MediaScreenControl {
		return MediaPacket{}, fmt.Errorf("%w: kind %d", ErrUnknownPacket, b[0])
	}
	if len(b) < 2 {
		return MediaPacket{}, ErrShortPacket
	}
	ulen := int(b[1])
	if ulen == 0 || len(b) < 2+ulen {
		return MediaPacket{}, ErrShortPacket
	}
	username := b[2 : 2+ulen]
	if !utf8.Valid(username) {
		return MediaPacket{}, fmt.Errorf("%w: not valid UTF-8", ErrInvalidUsername)
	}
	return MediaPacket{
		Kind:     kind,
		Username: string(username),
		Binary:   true,
	}, nil
}

func parseMediaDoc(b []byte) (MediaPacket, error) {
	var doc mediaDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return MediaPacket{}, errors.Join(ErrMalformed, err)
	}
	if doc.Username == "" {
		return MediaPacket{}, fmt.Errorf("%w: username", ErrMissingField)
	}

	pkt := MediaPacket{Username: doc.Username}
	switch doc.Type {
	case mediaTypeRegister:
		pkt.Kind = MediaRegister
	case mediaTypeVideo:
		pkt.Kind = MediaVideo
	case mediaTypeAudio:
		pkt.Kind = MediaAudio
	case model.TypeScreenShare:
		switch doc.Action {
		case model.ScreenShareStart, model.ScreenShareStop:
			pkt.Kind = MediaScreenControl
		case model.ScreenShareFrame, "":
			pkt.Kind = MediaScreenFrame
		default:
			return MediaPacket{}, fmt.Errorf("%w: screen share action %q", ErrUnknownPacket, doc.Action)
		}
	default:
		return MediaPacket{}, fmt.Errorf("%w: type %q", ErrUnknownPacket, doc.Type)
	}
	return pkt, nil
}

// AppendMediaPacket encodes a binary media packet.
func AppendMediaPacket(dst []byte, kind MediaKind, username string, payload []byte) ([]byte, error) {
	if username == "" || len(username) > MaxUsernameLength {
		return dst, ErrInvalidUsername
	}
	dst = append(dst, byte(kind), byte(len(username)))
	dst = append(dst, username...)
	return append(dst, payload...), nil
}
