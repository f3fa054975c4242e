package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/messages"
	"io"
	"iter"
	"net"
)

const (
	// FrameHeaderSize is the size of a frame header: stripe, sequence number, payload length
	FrameHeaderSize = 20
	// MaxFrameSize limits the payload of a single frame
	MaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned by ReadFrame for a length above MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// --------------------------------------------------------------------------
// Frames
// --------------------------------------------------------------------------

// WriteFrame writes a frame with the format:
// - 8 bytes: concurrency stripe (uint64, big endian)
// - 8 bytes: frame sequence number (uint64, big endian)
// - 4 bytes: payload length (uint32, big endian)
// - N bytes: payload
//
// A frame with an empty payload marks the end of a sync stream.
func WriteFrame(w io.Writer, stripe, seq uint64, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], stripe)
	binary.BigEndian.PutUint64(header[8:16], seq)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(payload)))

	b := net.Buffers{header, payload}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads a frame using the provided buffer.
// If the buffer is too small, a new buffer is allocated for the payload. The returned
// payload is only valid until buf is reused.
func ReadFrame(r io.Reader, buf []byte) (stripe, seq uint64, payload []byte, err error) {
	if len(buf) < FrameHeaderSize {
		buf = make([]byte, FrameHeaderSize)
	}

	// Read header
	if _, err := io.ReadFull(r, buf[:FrameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}
	stripe = binary.BigEndian.Uint64(buf[:8])
	seq = binary.BigEndian.Uint64(buf[8:16])
	contentLength := binary.BigEndian.Uint32(buf[16:20])

	if contentLength == 0 {
		return stripe, seq, []byte{}, nil
	}
	if contentLength > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, contentLength)
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}
	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, err
	}
	return stripe, seq, buf[:contentLength], nil
}

// --------------------------------------------------------------------------
// Sync stream
// --------------------------------------------------------------------------

// WriteSyncStream writes one complete sync pass: the state message, every data message
// and the end marker. Frames are numbered from 1. It returns the number of data messages
// written.
func WriteSyncStream(w io.Writer, c ISyncCodec, stripe int, state *messages.EntityStateSyncMessage, data iter.Seq[*messages.EntityDataSyncMessage]) (int, error) {
	seq := uint64(0)
	writeMsg := func(msg messages.Message) error {
		payload, err := c.Encode(stripe, msg)
		if err != nil {
			return fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
		}
		seq++
		return WriteFrame(w, uint64(stripe), seq, payload)
	}

	if err := writeMsg(state); err != nil {
		return 0, err
	}

	n := 0
	if data != nil {
		for msg := range data {
			if err := writeMsg(msg); err != nil {
				return n, err
			}
			n++
		}
	}

	// end marker
	seq++
	return n, WriteFrame(w, uint64(stripe), seq, nil)
}

// ReadSyncStream reads frames until the end marker and passes every decoded message to
// apply. Frames must arrive in sequence and the first message must be a state message.
// The first error (read, decode or apply) stops the pass. It returns the number of data
// messages applied.
func ReadSyncStream(r io.Reader, c ISyncCodec, apply func(messages.Message) error) (int, error) {
	buf := make([]byte, 64*1024)
	expected := uint64(1)
	n := 0

	for {
		stripe, seq, payload, err := ReadFrame(r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("failed to read frame %d: %w", expected, err)
		}
		if seq != expected {
			return n, fmt.Errorf("%w: frame %d out of sequence, expected %d", ErrMalformed, seq, expected)
		}
		expected++

		if len(payload) == 0 {
			if seq == 1 {
				return n, fmt.Errorf("%w: sync stream without state message", ErrMalformed)
			}
			return n, nil
		}

		msg, err := c.Decode(int(stripe), payload)
		if err != nil {
			return n, fmt.Errorf("failed to decode frame %d: %w", seq, err)
		}
		if seq == 1 && msg.MessageType() != messages.MsgTStateSync {
			return n, fmt.Errorf("%w: sync stream starts with %s message", ErrMalformed, msg.MessageType())
		}
		if err := apply(msg); err != nil {
			return n, err
		}
		if msg.MessageType() == messages.MsgTDataSync {
			n++
		}
	}
}
