// Package voice decodes callbacks from the hosted voice agent into typed
// messages and manages the conversation session lifecycle.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/coach-graph/internal/graph"
)

// ErrUnknownMessage is returned for callback payloads with an unrecognized
// shape. Callers log and drop them.
var ErrUnknownMessage = errors.New("unknown voice message")

// Kind discriminates voice messages on the wire.
type Kind string

const (
	KindUserTranscript Kind = "user_transcript"
	KindAgentResponse  Kind = "agent_response"
	KindConnected      Kind = "connected"
	KindDisconnected   Kind = "disconnected"
	KindError          Kind = "error"
)

// Message is one decoded voice callback.
type Message interface {
	Kind() Kind
}

// Capture is a graph entry the agent extracted from what the user said.
type Capture struct {
	Type        graph.NodeType `json:"type"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
}

type UserTranscript struct {
	ConversationID string
	Text           string
	Capture        *Capture
}

type AgentResponse struct {
	ConversationID string
	Text           string
}

type Connected struct {
	ConversationID string
}

type Disconnected struct {
	ConversationID string
	Reason         string
}

// Failure reports an error raised by the voice service.
type Failure struct {
	ConversationID string
	Message        string
}

func (UserTranscript) Kind() Kind { return KindUserTranscript }
func (AgentResponse) Kind() Kind  { return KindAgentResponse }
func (Connected) Kind() Kind      { return KindConnected }
func (Disconnected) Kind() Kind   { return KindDisconnected }
func (Failure) Kind() Kind        { return KindError }

type envelope struct {
	Type           Kind            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
}

type textData struct {
	Text    string   `json:"text"`
	Capture *Capture `json:"capture,omitempty"`
}

type reasonData struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Decode parses a callback payload into its message variant.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}

	switch env.Type {
	case KindUserTranscript, KindAgentResponse:
		var d textData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if strings.TrimSpace(d.Text) == "" {
			return nil, fmt.Errorf("%w: %s without text", ErrUnknownMessage, env.Type)
		}
		if env.Type == KindAgentResponse {
			return AgentResponse{ConversationID: env.ConversationID, Text: d.Text}, nil
		}
		if d.Capture != nil {
			if _, err := graph.ParseNodeType(string(d.Capture.Type)); err != nil {
				return nil, fmt.Errorf("%w: capture: %v", ErrUnknownMessage, err)
			}
			if strings.TrimSpace(d.Capture.Label) == "" {
				return nil, fmt.Errorf("%w: capture without label", ErrUnknownMessage)
			}
		}
		return UserTranscript{ConversationID: env.ConversationID, Text: d.Text, Capture: d.Capture}, nil

	case KindConnected:
		if env.ConversationID == "" {
			return nil, fmt.Errorf("%w: connected without conversation id", ErrUnknownMessage)
		}
		return Connected{ConversationID: env.ConversationID}, nil

	case KindDisconnected:
		var d reasonData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return Disconnected{ConversationID: env.ConversationID, Reason: d.Reason}, nil

	case KindError:
		var d reasonData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Message == "" {
			d.Message = "voice session error"
		}
		return Failure{ConversationID: env.ConversationID, Message: d.Message}, nil
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, env.Type)
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrUnknownMessage, env.Type, err)
	}
	return nil
}
