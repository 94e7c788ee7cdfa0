package amqp

import (
	"encoding/json"
	"errors"
	"fmt"

	"cashflow/internal/notify"
)

var ErrInvalidMessage = errors.New("invalid change message")

// The message body is the JSON form of notify.Event. Only the partition and
// kind are required; the worker reloads the partition anyway.
func encodeEvent(e notify.Event) ([]byte, error) {
	if err := validateEvent(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func decodeEvent(data []byte) (notify.Event, error) {
	var e notify.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return notify.Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validateEvent(e); err != nil {
		return notify.Event{}, err
	}
	return e, nil
}

func validateEvent(e notify.Event) error {
	if e.Partition == "" {
		return fmt.Errorf("%w: missing partition", ErrInvalidMessage)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, e.Kind)
	}
	return nil
}
