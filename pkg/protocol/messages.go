// Package protocol decodes the line-oriented input of the target and writes
// checkpoint tokens back out.
//
// Each input line is one JSON object whose "type" is SCHEMA, RECORD, STATE
// or ACTIVATE_VERSION. Numbers are kept as json.Number so NUMERIC values
// survive decoding without a float round trip.
package protocol

import (
	"bytes"
	"strconv"
	"time"

	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// MessageType identifies an input message.
type MessageType string

const (
	TypeSchema          MessageType = "SCHEMA"
	TypeRecord          MessageType = "RECORD"
	TypeState           MessageType = "STATE"
	TypeActivateVersion MessageType = "ACTIVATE_VERSION"
)

// Message is a decoded input line. Only the fields of its Type are set.
type Message struct {
	Type   MessageType
	Stream string

	// SCHEMA
	Schema        *schema.Property
	KeyProperties []string

	// RECORD
	Record        map[string]interface{}
	TimeExtracted *time.Time

	// RECORD and ACTIVATE_VERSION
	Version *int64

	// STATE: the opaque checkpoint token, compacted.
	Value json.RawMessage
}

type wireMessage struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream"`
	Schema        json.RawMessage        `json:"schema"`
	KeyProperties *[]string              `json:"key_properties"`
	Record        map[string]interface{} `json:"record"`
	TimeExtracted string                 `json:"time_extracted"`
	Version       *json.Number           `json:"version"`
	Value         json.RawMessage        `json:"value"`
}

// ParseLine decodes one input line.
func ParseLine(line []byte) (*Message, error) {
	var wire wireMessage
	if err := json.UnmarshalNumber(line, &wire); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "line is not a valid JSON object")
	}

	msg := &Message{Type: MessageType(wire.Type), Stream: wire.Stream}
	switch msg.Type {
	case TypeSchema:
		if wire.Stream == "" || len(wire.Schema) == 0 {
			return nil, missing(msg.Type, "stream", "schema")
		}
		if wire.KeyProperties == nil {
			return nil, missing(msg.Type, "key_properties")
		}
		var p schema.Property
		if err := json.Unmarshal(wire.Schema, &p); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "schema is not a valid JSON-schema object").
				WithDetail("stream", wire.Stream)
		}
		msg.Schema = &p
		msg.KeyProperties = *wire.KeyProperties

	case TypeRecord:
		if wire.Stream == "" || wire.Record == nil {
			return nil, missing(msg.Type, "stream", "record")
		}
		msg.Record = wire.Record
		if wire.TimeExtracted != "" {
			ts, err := time.Parse(time.RFC3339Nano, wire.TimeExtracted)
			if err != nil {
				return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "invalid time_extracted").
					WithDetail("stream", wire.Stream)
			}
			ts = ts.UTC()
			msg.TimeExtracted = &ts
		}
		if wire.Version != nil {
			v, err := parseVersion(*wire.Version)
			if err != nil {
				return nil, err
			}
			msg.Version = &v
		}

	case TypeState:
		if len(wire.Value) == 0 {
			return nil, missing(msg.Type, "value")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, wire.Value); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "invalid state value")
		}
		msg.Value = buf.Bytes()

	case TypeActivateVersion:
		if wire.Stream == "" || wire.Version == nil {
			return nil, missing(msg.Type, "stream", "version")
		}
		v, err := parseVersion(*wire.Version)
		if err != nil {
			return nil, err
		}
		msg.Version = &v

	case "":
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeProtocol, "line has no message type")

	default:
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeProtocol, "unknown message type").
			WithDetail("type", wire.Type)
	}
	return msg, nil
}

func parseVersion(n json.Number) (int64, error) {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "version must be an integer").
			WithDetail("version", n.String())
	}
	return v, nil
}

func missing(t MessageType, keys ...string) error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeProtocol, "message is missing a required key").
		WithDetail("type", string(t)).
		WithDetail("required", keys)
}
