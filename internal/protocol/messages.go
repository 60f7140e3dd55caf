package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn   MessageType = "client_turn"
	TypeClientCancel MessageType = "client_cancel"
	TypeTurnOutcome  MessageType = "turn_outcome"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn submits one chat turn. Sending a new turn while one is in
// flight supersedes the older one.
type ClientTurn struct {
	Type      MessageType `json:"type"`
	PersonaID string      `json:"persona_id,omitempty"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// ClientCancel abandons the in-flight turn without replacing it.
type ClientCancel struct {
	Type MessageType `json:"type"`
}

// TurnOutcome reports the terminal result of one submitted turn.
type TurnOutcome struct {
	Type       MessageType `json:"type"`
	TurnID     string      `json:"turn_id"`
	Kind       string      `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	TokensUsed int         `json:"tokens_used,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_turn")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
