package feed

import (
	"encoding/json"
	"fmt"

	domainchat "chatsync/internal/domain/chat"
)

// EncodeEvent serializes a change event for transports. Local-only fields
// are cleared.
func EncodeEvent(ev domainchat.ChangeEvent) ([]byte, error) {
	ev.Message.Pending = false
	return json.Marshal(ev)
}

// DecodeEvent parses a transported change event and validates its kind and row.
func DecodeEvent(data []byte) (domainchat.ChangeEvent, error) {
	var ev domainchat.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domainchat.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	switch ev.Kind {
	case domainchat.EventInsert, domainchat.EventUpdate:
	default:
		return domainchat.ChangeEvent{}, fmt.Errorf("decode change event: unknown kind %q", ev.Kind)
	}
	ev.Message.Pending = false
	if err := ev.Message.Validate(); err != nil {
		return domainchat.ChangeEvent{}, err
	}
	return ev, nil
}
