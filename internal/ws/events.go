package ws

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"listing-chat/internal/models"
)

// Inbound event names.
const (
	EventRegisterSession = "register-session"
	EventSendMessage     = "send-message"
	EventJoinChat        = "join-chat"
	EventLeaveChat       = "leave-chat"
	EventPing            = "ping"
)

var errMalformed = errors.New("malformed event data")

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sendMessageData struct {
	ReceiverID string          `json:"receiver_id"`
	Message    *models.Message `json:"message"`
}

// decodeID accepts either a bare JSON string or an object with the given key.
func decodeID(data json.RawMessage, key string) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
		return "", errMalformed
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errMalformed
	}
	if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), nil
	}
	return "", errMalformed
}
