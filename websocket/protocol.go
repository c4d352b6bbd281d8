package websocket

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame kinds, carried in the first byte of every binary message
const (
	KindSamples byte = 0x01
	KindControl byte = 0x02
)

// Control operations understood by the gateway
const (
	OpGroupConfig    = "group_config"
	OpRecordingState = "recording_state"
	OpSetRecording   = "set_recording"
	OpComments       = "comments"
	OpAddComment     = "add_comment"
	OpStatus         = "status" // unsolicited push from the gateway
)

// ErrBadFrame is returned for frames that cannot be decoded
var ErrBadFrame = errors.New("bad gateway frame")

// sample frame field numbers
const (
	fieldSourceID  protowire.Number = 1
	fieldSamples   protowire.Number = 2
	fieldTimestamp protowire.Number = 3
)

// SampleFrame is one chunk of continuous samples for one channel
type SampleFrame struct {
	SourceID int
	// Timestamp is the device clock of the first sample
	Timestamp uint64
	Samples   []int16
}

// ChannelSpec describes one channel of a sampling group
type ChannelSpec struct {
	SourceID   int     `msgpack:"source_id"`
	Label      string  `msgpack:"label"`
	Gain       float64 `msgpack:"gain"`
	Unit       string  `msgpack:"unit"`
	Threshold  int     `msgpack:"threshold"`
	SampleRate float64 `msgpack:"sample_rate"`
}

// CommentSpec is one comment stored on the device
type CommentSpec struct {
	Timestamp uint64 `msgpack:"timestamp"`
	Text      string `msgpack:"text"`
}

// Control is a request, a response or a status push. Responses carry the
// request ID.
type Control struct {
	ID        uint64        `msgpack:"id"`
	Op        string        `msgpack:"op"`
	Group     int           `msgpack:"group,omitempty"`
	On        bool          `msgpack:"on,omitempty"`
	FileName  string        `msgpack:"file_name,omitempty"`
	Comment   string        `msgpack:"comment,omitempty"`
	Patient   []string      `msgpack:"patient,omitempty"`
	Text      string        `msgpack:"text,omitempty"`
	Recording bool          `msgpack:"recording,omitempty"`
	Channels  []ChannelSpec `msgpack:"channels,omitempty"`
	Comments  []CommentSpec `msgpack:"comments,omitempty"`
	Error     string        `msgpack:"error,omitempty"`
}

// EncodeSampleFrame builds a KindSamples message
func EncodeSampleFrame(f SampleFrame) []byte {
	b := []byte{KindSamples}
	b = protowire.AppendTag(b, fieldSourceID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.SourceID))
	if f.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Timestamp)
	}
	var packed []byte
	for _, s := range f.Samples {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(s)))
	}
	b = protowire.AppendTag(b, fieldSamples, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// DecodeSampleFrame parses the body of a KindSamples message, without the kind byte
func DecodeSampleFrame(body []byte) (SampleFrame, error) {
	var f SampleFrame
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldSourceID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return f, fmt.Errorf("%w: source id", ErrBadFrame)
			}
			f.SourceID = int(v)
			body = body[m:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return f, fmt.Errorf("%w: timestamp", ErrBadFrame)
			}
			f.Timestamp = v
			body = body[m:]
		case num == fieldSamples && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return f, fmt.Errorf("%w: samples", ErrBadFrame)
			}
			body = body[m:]
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return f, fmt.Errorf("%w: sample value", ErrBadFrame)
				}
				f.Samples = append(f.Samples, int16(protowire.DecodeZigZag(v)))
				packed = packed[k:]
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return f, fmt.Errorf("%w: field %d", ErrBadFrame, num)
			}
			body = body[m:]
		}
	}
	return f, nil
}

// EncodeControl builds a KindControl message
func EncodeControl(c Control) ([]byte, error) {
	body, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, err
	}
	return append([]byte{KindControl}, body...), nil
}

// DecodeControl parses the body of a KindControl message, without the kind byte
func DecodeControl(body []byte) (Control, error) {
	var c Control
	if err := msgpack.Unmarshal(body, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return c, nil
}
