package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
)

const (
	// PrefixLen is the fixed binary frame prefix length.
	PrefixLen = 12
	// Version is the binary framing revision written and accepted.
	Version byte = 1
)

// Magic opens every binary frame.
var Magic = [4]byte{'G', 'V', 'B', 'R'}

type binaryBody struct {
	Header  Header `json:"header"`
	Payload any    `json:"payload,omitempty"`
}

// BinaryCodec implements the prefixed binary framing with a CBOR body.
type BinaryCodec struct {
	opts Options
	dec  cbor.DecMode
}

func newBinaryCodec(opts Options) *BinaryCodec {
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		// Static options; only reachable through a programming error.
		panic(err)
	}
	return &BinaryCodec{opts: opts, dec: dec}
}

func (c *BinaryCodec) Format() Format { return FormatBinary }

func (c *BinaryCodec) Encode(m Message) ([]byte, error) {
	if err := checkHeader(m); err != nil {
		return nil, err
	}
	body := binaryBody{Header: m.Header}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &body.Payload); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "payload is not valid JSON")
		}
	}
	enc, err := cbor.Marshal(body)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "encode body")
	}

	var sum []byte
	if c.opts.Checksum {
		sum = checksum.Digest(c.opts.Algorithm, enc)
	}
	total := PrefixLen + len(sum) + len(enc)
	if c.opts.tooLarge(total) {
		return nil, errTooLarge(total, c.opts.MaxMessageSize)
	}

	out := make([]byte, total)
	copy(out[0:4], Magic[:])
	out[4] = Version
	if len(sum) > 0 {
		out[5] = 1
	}
	binary.BigEndian.PutUint32(out[6:10], uint32(len(enc)))
	binary.BigEndian.PutUint16(out[10:12], uint16(len(sum)))
	copy(out[PrefixLen:], sum)
	copy(out[PrefixLen+len(sum):], enc)
	return out, nil
}

func (c *BinaryCodec) Decode(b []byte) (Message, error) {
	if len(b) < PrefixLen {
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "frame shorter than prefix",
			map[string]any{"length": len(b)})
	}
	if c.opts.tooLarge(len(b)) {
		return Message{}, errTooLarge(len(b), c.opts.MaxMessageSize)
	}
	if !bytes.Equal(b[0:4], Magic[:]) {
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "bad magic", nil)
	}
	if b[4] != Version {
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "unsupported version",
			map[string]any{"version": int(b[4])})
	}
	flag := b[5]
	bodyLen := int(binary.BigEndian.Uint32(b[6:10]))
	sumLen := int(binary.BigEndian.Uint16(b[10:12]))
	switch {
	case flag > 1:
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "bad checksum flag", nil)
	case flag == 0 && sumLen != 0, flag == 1 && sumLen == 0:
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "checksum flag and length disagree", nil)
	case PrefixLen+sumLen+bodyLen != len(b):
		return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "frame length mismatch",
			map[string]any{"length": len(b), "declared": PrefixLen + sumLen + bodyLen})
	}

	sum := b[PrefixLen : PrefixLen+sumLen]
	enc := b[PrefixLen+sumLen:]
	if flag == 1 && !checksum.VerifyDigest(c.opts.Algorithm, enc, sum) {
		return Message{}, bridgeerr.New(bridgeerr.CodeChecksumMismatch, "frame checksum mismatch", nil)
	}

	var body binaryBody
	if err := c.dec.Unmarshal(enc, &body); err != nil {
		return Message{}, bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, "malformed body")
	}
	m := Message{Header: body.Header}
	if body.Payload != nil {
		raw, err := json.Marshal(body.Payload)
		if err != nil {
			return Message{}, bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, "payload not representable as JSON")
		}
		m.Payload = raw
	}
	if err := checkHeader(m); err != nil {
		return Message{}, err
	}
	return m, nil
}
