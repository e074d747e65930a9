package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length prefix carried by every frame.
	HeaderSize = 4

	// MaxFrameSize bounds a single frame body.
	MaxFrameSize = 16 << 20
)

var (
	ErrEmptyFrame   = errors.New("frame is empty")
	ErrShortFrame   = errors.New("frame shorter than its header")
	ErrFrameSize    = errors.New("frame length does not match header")
	ErrFrameTooLong = errors.New("frame exceeds maximum size")
)

// Pack prefixes b with its big-endian uint32 length so a stream reader can
// recover the message boundary.
func Pack(b []byte) []byte {
	frame := make([]byte, HeaderSize+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[HeaderSize:], b)
	return frame
}

// Unpack strips and checks the length prefix added by Pack.
func Unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) != len(frame)-HeaderSize {
		return nil, fmt.Errorf("%w: header=%d body=%d", ErrFrameSize, n, len(frame)-HeaderSize)
	}
	return frame[HeaderSize:], nil
}

// WriteFrame writes b to w as a single frame.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLong
	}
	if _, err := w.Write(Pack(b)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its body.
// max <= 0 means MaxFrameSize.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = MaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLong, n, max)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
