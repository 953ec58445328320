package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/adwski/lan-conference/backend/model"
)

// MaxUsernameLength is bounded by the one-byte length in binary media packets.
const MaxUsernameLength = 255

type envelope struct {
	Type string `json:"type"`
}

// Decode turns a control channel document into its typed message.
// Unrecognized types decode to model.Unknown.
func Decode(doc []byte) (model.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}

	switch env.Type {
	case model.TypeChat:
		return decodeAs[model.Chat](doc, func(m model.Chat) error {
			return required("recipient", m.Recipient)
		})
	case model.TypeStatusUpdate:
		return decodeAs[model.StatusUpdate](doc, nil)
	case model.TypeScreenShare:
		return decodeAs[model.ScreenShare](doc, func(m model.ScreenShare) error {
			switch m.Action {
			case model.ScreenShareStart, model.ScreenShareStop, model.ScreenShareFrame:
				return nil
			}
			return fmt.Errorf("%w: unknown screen share action %q", ErrMalformed, m.Action)
		})
	case model.TypeRequestParticipants:
		return model.RequestParticipants{}, nil
	case model.TypeFileOffer:
		return decodeAs[model.FileOffer](doc, func(m model.FileOffer) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileAccept:
		return decodeAs[model.FileAccept](doc, func(m model.FileAccept) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileReject:
		return decodeAs[model.FileReject](doc, func(m model.FileReject) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileChunk:
		return decodeAs[model.FileChunk](doc, func(m model.FileChunk) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileEnd:
		return decodeAs[model.FileEnd](doc, func(m model.FileEnd) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileTransfer:
		return decodeAs[model.FileTransfer](doc, func(m model.FileTransfer) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileUpload:
		return decodeAs[model.FileUpload](doc, func(m model.FileUpload) error {
			return required("recipient", m.Recipient, "filename", m.Filename)
		})
	case model.TypeFileDownload:
		return decodeAs[model.FileDownload](doc, func(m model.FileDownload) error {
			return required("filename", m.Filename)
		})
	case model.TypeFileList:
		return model.FileListRequest{}, nil
	case model.TypePing:
		return model.Ping{}, nil
	case model.TypePong:
		return model.Pong{}, nil
	}
	return model.Unknown{Type: env.Type}, nil
}

// DecodeHandshake parses the identity announcement that opens every control connection.
func DecodeHandshake(doc []byte) (model.Handshake, error) {
	if !utf8.Valid(doc) {
		return model.Handshake{}, fmt.Errorf("%w: handshake is not valid UTF-8", ErrMalformed)
	}
	var hs model.Handshake
	if err := json.Unmarshal(doc, &hs); err != nil {
		return model.Handshake{}, errors.Join(ErrMalformed, err)
	}
	username, err := NormalizeUsername(hs.Username)
	if err != nil {
		return model.Handshake{}, err
	}
	hs.Username = username
	return hs, nil
}

// NormalizeUsername trims and validates a client-chosen username.
func NormalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	case len(username) > MaxUsernameLength:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidUsername, MaxUsernameLength)
	case !utf8.ValidString(username):
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidUsername)
	}
	return username, nil
}

// Encode marshals a server document.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeAs[T model.Inbound](doc []byte, validate func(T) error) (model.Inbound, error) {
	var msg T
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if validate != nil {
		if err := validate(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// required takes name/value pairs.
func required(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, kv[i])
		}
	}
	return nil
}
