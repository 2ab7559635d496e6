package protocol

import (
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
)

// Format selects the wire encoding.
type Format string

const (
	FormatBinary Format = "binary"
	FormatJSON   Format = "json"
)

// DefaultMaxMessageSize bounds encoded frames when Options leaves it unset.
const DefaultMaxMessageSize = 1 << 20

// Options configures a Codec.
type Options struct {
	Format Format
	// Checksum enables integrity digests on encode. Decode always verifies a
	// digest that is present.
	Checksum  bool
	Algorithm checksum.Algorithm
	// MaxMessageSize bounds the encoded frame length. Zero means
	// DefaultMaxMessageSize; negative disables the bound.
	MaxMessageSize int
}

// Codec turns messages into frames and back.
type Codec interface {
	Format() Format
	Encode(m Message) ([]byte, error)
	Decode(b []byte) (Message, error)
}

// NewCodec returns the codec selected by opts.Format (binary by default).
func NewCodec(opts Options) Codec {
	if opts.Algorithm == "" {
		opts.Algorithm = checksum.SHA256
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Format == FormatJSON {
		return &JSONCodec{opts: opts}
	}
	return newBinaryCodec(opts)
}

func (o Options) tooLarge(n int) bool {
	return o.MaxMessageSize > 0 && n > o.MaxMessageSize
}

func errTooLarge(n, max int) error {
	return bridgeerr.New(bridgeerr.CodeInvalidMessage, "message exceeds maximum size",
		map[string]any{"size": n, "maxMessageSize": max})
}

func checkHeader(m Message) error {
	if m.Header.ID == "" {
		return bridgeerr.New(bridgeerr.CodeInvalidMessage, "message header missing id", nil)
	}
	if m.Header.Type == "" {
		return bridgeerr.New(bridgeerr.CodeInvalidMessage, "message header missing type", nil)
	}
	return nil
}
