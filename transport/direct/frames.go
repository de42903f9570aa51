// Package direct implements the peer-to-peer channel: a TCP listener plus
// per-peer dials carrying length-prefixed JSON event frames, with mDNS
// discovery resolving peer endpoints.
package direct

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"asiochat/transport"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	// Media bytes never travel on this channel, only references.
	MaxFrameSize = 1 * 1024 * 1024
	// DefaultDialTimeout bounds a peer TCP dial.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("direct: frame exceeds max size")
)

// WriteFrame writes one event as a length-prefixed JSON frame.
func WriteFrame(conn net.Conn, evt transport.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed JSON event frame.
func ReadFrame(conn net.Conn) (transport.Event, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return transport.Event{}, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return transport.Event{}, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return transport.Event{}, fmt.Errorf("read frame payload: %w", err)
	}

	var evt transport.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return transport.Event{}, fmt.Errorf("decode event frame: %w", err)
	}

	return evt, nil
}
