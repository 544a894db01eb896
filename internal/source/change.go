package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// ChangeMessage is the wire format carried by the broker feeds.
type ChangeMessage struct {
	Op  string         `json:"op"`
	ID  string         `json:"id"`
	Doc map[string]any `json:"doc,omitempty"`
}

func DecodeChange(data []byte) (ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ChangeMessage{}, fmt.Errorf("decode change: %w", err)
	}
	msg.Op = strings.ToLower(strings.TrimSpace(msg.Op))
	if msg.Op == "" {
		msg.Op = OpUpsert
	}
	if msg.ID == "" && msg.Doc != nil {
		if v, ok := msg.Doc["id"].(string); ok {
			msg.ID = v
		}
	}
	switch {
	case msg.Op != OpUpsert && msg.Op != OpDelete:
		return ChangeMessage{}, fmt.Errorf("decode change: unknown op %q", msg.Op)
	case msg.ID == "":
		return ChangeMessage{}, errors.New("decode change: missing id")
	case msg.Op == OpUpsert && msg.Doc == nil:
		return ChangeMessage{}, errors.New("decode change: upsert without doc")
	}
	return msg, nil
}

func EncodeChange(msg ChangeMessage) ([]byte, error) {
	return json.Marshal(msg)
}
