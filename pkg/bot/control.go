package bot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ControlType names a JSON control message on the bot channel.
type ControlType string

// Outbound control types (bridge → bot).
const (
	TypeCallStart ControlType = "call_start"
	TypeCallEnd   ControlType = "call_end"
	TypeDTMF      ControlType = "dtmf"
	TypeHold      ControlType = "hold"
	TypeResume    ControlType = "resume"
)

// Inbound control types (bot → bridge).
const (
	TypeHangup ControlType = "hangup"
	TypeClear  ControlType = "clear"
	TypeMark   ControlType = "mark"
)

// ControlMessage is the JSON envelope of every text message on the bot
// channel. Only the fields relevant to Type are set.
type ControlMessage struct {
	Type       ControlType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	CallID     string      `json:"call_id,omitempty"`
	From       string      `json:"from,omitempty"`
	To         string      `json:"to,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Codec      string      `json:"codec,omitempty"`
	Digit      string      `json:"digit,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Name       string      `json:"name,omitempty"`
}

//go:embed control.schema.json
var controlSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func controlSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("control.schema.json", bytes.NewReader(controlSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("bot: add control schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("control.schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("bot: compile control schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ParseControl decodes and validates an inbound control message.
func ParseControl(raw []byte) (ControlMessage, error) {
	s, err := controlSchema()
	if err != nil {
		return ControlMessage{}, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if err := s.Validate(payload); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return msg, nil
}
