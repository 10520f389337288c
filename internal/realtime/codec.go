package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/parcel-tracking/internal/models"
)

var ErrMalformed = errors.New("malformed channel message")

// legacyJob is the older courier frame: {"job":{"courier_lat":..,"courier_lng":..}}.
type legacyJob struct {
	ID         string   `json:"id"`
	CourierLat *float64 `json:"courier_lat"`
	CourierLng *float64 `json:"courier_lng"`
}

// Decode parses one inbound frame. Frames without a kind are accepted only in
// the legacy courier-location shape.
func Decode(data []byte) (models.ChannelMessage, error) {
	var head struct {
		Kind models.MessageKind `json:"kind"`
		Job  json.RawMessage    `json:"job"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return models.ChannelMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Kind == "" {
		return decodeLegacy(head.Job)
	}

	var msg models.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.ChannelMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := check(msg); err != nil {
		return models.ChannelMessage{}, err
	}
	return msg, nil
}

func check(msg models.ChannelMessage) error {
	var ok bool
	switch msg.Kind {
	case models.KindLocation:
		ok = msg.Courier != nil
	case models.KindChat:
		ok = msg.Message != nil
	case models.KindPresence:
		ok = msg.Job != nil
	case models.KindUnread:
		ok = msg.Unread != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, msg.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, msg.Kind)
	}
	return nil
}

func decodeLegacy(raw json.RawMessage) (models.ChannelMessage, error) {
	if len(raw) == 0 {
		return models.ChannelMessage{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	var j legacyJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return models.ChannelMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.CourierLat == nil || j.CourierLng == nil {
		return models.ChannelMessage{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return models.ChannelMessage{
		Kind:    models.KindLocation,
		JobID:   j.ID,
		Courier: &models.CourierPosition{GeoPoint: models.GeoPoint{Lat: *j.CourierLat, Lng: *j.CourierLng}},
	}, nil
}

// Encode marshals an outbound payload. Byte slices and json.RawMessage are
// sent as-is.
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// LocationFrame builds the outbound courier location payload.
func LocationFrame(jobID string, pos models.CourierPosition) models.ChannelMessage {
	return models.ChannelMessage{Kind: models.KindLocation, JobID: jobID, Courier: &pos}
}
