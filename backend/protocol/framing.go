package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	FramingLength = "length"
	FramingProbe  = "probe"

	headerSize = 4

	probeReadChunk = 64 * 1024
)

var (
	ErrMalformed       = errors.New("malformed document")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	ErrIdle            = errors.New("no data before read deadline")
	ErrUnknownFraming  = errors.New("unknown framing")
	ErrMissingField    = errors.New("required field is missing")
	ErrUnknownPacket   = errors.New("unknown media packet")
	ErrShortPacket     = errors.New("media packet is too short")
	ErrInvalidUsername = errors.New("invalid username")
)

// Framer extracts discrete documents from a byte stream and writes them back.
// ReadFrame returns an error wrapping ErrIdle when the read deadline fired
// before any byte of the next document arrived; the stream is still usable
// in that case. ErrMalformed means the offending document was discarded.
// Any other error leaves the stream unusable.
type Framer interface {
	ReadFrame(r *bufio.Reader) ([]byte, error)
	WriteFrame(w io.Writer, doc []byte) error
}

// NewFramer returns a per-connection framer. Probing framers are stateful.
func NewFramer(kind string, maxSize int) (Framer, error) {
	switch kind {
	case FramingLength, "":
		return &LengthPrefixed{MaxSize: maxSize}, nil
	case FramingProbe:
		return &Probing{MaxSize: maxSize}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFraming, kind)
}

// LengthPrefixed frames every document with a 4-byte big-endian length.
type LengthPrefixed struct {
	MaxSize int
}

func (lp *LengthPrefixed) ReadFrame(r *bufio.Reader) ([]byte, error) {
	if _, err := r.Peek(1); err != nil {
		if isTimeout(err) {
			return nil, errors.Join(ErrIdle, err)
		}
		return nil, err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if lp.MaxSize > 0 && uint64(size) > uint64(lp.MaxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	doc := make([]byte, size)
	if _, err := io.ReadFull(r, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (lp *LengthPrefixed) WriteFrame(w io.Writer, doc []byte) error {
	if lp.MaxSize > 0 && len(doc) > lp.MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(doc))
	}
	buf := make([]byte, headerSize+len(doc))
	binary.BigEndian.PutUint32(buf, uint32(len(doc)))
	copy(buf[headerSize:], doc)
	_, err := w.Write(buf)
	return err
}

// Probing extracts self-delimiting JSON objects from an accumulating buffer.
// Only a complete, well-formed object is ever accepted; a truncated one stays
// buffered until more bytes arrive.
type Probing struct {
	MaxSize int

	buf []byte
	tmp []byte
}

func (p *Probing) ReadFrame(r *bufio.Reader) ([]byte, error) {
	if p.tmp == nil {
		p.tmp = make([]byte, probeReadChunk)
	}
	for {
		doc, err := p.next()
		if err != nil || doc != nil {
			return doc, err
		}
		if p.MaxSize > 0 && len(p.buf) > p.MaxSize {
			size := len(p.buf)
			p.buf = nil
			return nil, fmt.Errorf("%w: %d bytes buffered", ErrFrameTooLarge, size)
		}

		n, err := r.Read(p.tmp)
		p.buf = append(p.buf, p.tmp[:n]...)
		if err != nil {
			if n > 0 {
				// let the buffered bytes be parsed first
				continue
			}
			if isTimeout(err) {
				return nil, errors.Join(ErrIdle, err)
			}
			return nil, err
		}
	}
}

func (p *Probing) next() ([]byte, error) {
	trimmed := bytes.TrimLeft(p.buf, " \t\r\n")
	if len(trimmed) == 0 {
		p.buf = p.buf[:0]
		return nil, nil
	}
	if trimmed[0] != '{' {
		p.buf = p.buf[:0]
		return nil, fmt.Errorf("%w: expected object", ErrMalformed)
	}

	var (
		raw json.RawMessage
		dec = json.NewDecoder(bytes.NewReader(trimmed))
	)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			p.buf = trimmed
			return nil, nil
		}
		p.buf = p.buf[:0]
		return nil, errors.Join(ErrMalformed, err)
	}
	rest := trimmed[dec.InputOffset():]
	p.buf = append(p.buf[:0], rest...)
	return raw, nil
}

func (p *Probing) WriteFrame(w io.Writer, doc []byte) error {
	_, err := w.Write(doc)
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
