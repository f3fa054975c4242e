package codec

import (
	"errors"
	"github.com/ValentinKolb/dCache/lib/messages"
)

// FormatVersion is the first byte of every encoded sync message
const FormatVersion byte = 1

// ISyncCodec is the interface for all sync message codecs
type ISyncCodec interface {
	// Encode serializes a sync message into a byte array.
	// The concurrency stripe is routing metadata for the surrounding dispatch layer and
	// does not change the encoded bytes.
	Encode(concurrencyStripe int, msg messages.Message) ([]byte, error)
	// Decode deserializes a byte array produced by Encode. The stripe does not have to
	// match the one used for encoding. On error no message is returned.
	Decode(concurrencyStripe int, data []byte) (messages.Message, error)
}

// Decode error kinds, check with errors.Is
var (
	// ErrTruncated is returned when the payload ends early or a length prefix exceeds the
	// remaining buffer. It indicates data corruption.
	ErrTruncated = errors.New("truncated payload")
	// ErrUnknownTag is returned for an unrecognized allocation tag, consistency value,
	// message type or format version. It indicates a payload from a newer peer.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrMalformed is returned for structurally invalid content: bad presence flags,
	// duplicate map keys, invalid decoded values or trailing bytes.
	ErrMalformed = errors.New("malformed payload")
)
