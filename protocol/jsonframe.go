package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/checksum"
)

// JSONCodec implements the JSON framing.
type JSONCodec struct {
	opts Options
}

type checkedFrame struct {
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
}

// sniffFrame distinguishes a checked frame from a raw message.
type sniffFrame struct {
	Data     json.RawMessage `json:"data"`
	Checksum *string         `json:"checksum"`
	Header   json.RawMessage `json:"header"`
}

func (c *JSONCodec) Format() Format { return FormatJSON }

func (c *JSONCodec) Encode(m Message) ([]byte, error) {
	if err := checkHeader(m); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInvalidPayload, err, "encode message")
	}
	out := raw
	if c.opts.Checksum {
		canon, err := canonicalJSON(raw)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "canonicalize message")
		}
		out, err = json.Marshal(checkedFrame{Data: canon, Checksum: checksum.Sum(c.opts.Algorithm, canon)})
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.CodeInternal, err, "encode checked frame")
		}
	}
	if c.opts.tooLarge(len(out)) {
		return nil, errTooLarge(len(out), c.opts.MaxMessageSize)
	}
	return out, nil
}

func (c *JSONCodec) Decode(b []byte) (Message, error) {
	if c.opts.tooLarge(len(b)) {
		return Message{}, errTooLarge(len(b), c.opts.MaxMessageSize)
	}
	var sniff sniffFrame
	if err := json.Unmarshal(b, &sniff); err != nil {
		return Message{}, bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, "malformed JSON frame")
	}

	data := json.RawMessage(b)
	if len(sniff.Header) == 0 && len(sniff.Data) > 0 {
		if sniff.Checksum == nil {
			return Message{}, bridgeerr.New(bridgeerr.CodeInvalidMessage, "checked frame missing checksum", nil)
		}
		canon, err := canonicalJSON(sniff.Data)
		if err != nil {
			return Message{}, bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, "malformed frame data")
		}
		if !checksum.Verify(c.opts.Algorithm, canon, *sniff.Checksum) {
			return Message{}, bridgeerr.New(bridgeerr.CodeChecksumMismatch, "frame checksum mismatch", nil)
		}
		data = sniff.Data
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, bridgeerr.Wrap(bridgeerr.CodeInvalidMessage, err, "malformed message")
	}
	if string(m.Payload) == "null" {
		m.Payload = nil
	}
	if err := checkHeader(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// canonicalJSON re-serializes raw with sorted object keys and no
// insignificant whitespace.
func canonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}
