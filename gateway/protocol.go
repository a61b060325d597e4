package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// Message types of the real-time protocol.
const (
	TypeSubmitDevice = "submitDevice"
	TypeRetryJob     = "retryJob"
	TypeAck          = "ack"
	TypeProgress     = "progress"
)

// Envelope frames every message on the connection. ID correlates server
// messages with the client request that caused them.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RetryRequest is the payload of a retryJob message.
type RetryRequest struct {
	JobID string `json:"jobId"`
}

// Ack acknowledges a submitDevice or retryJob request.
type Ack struct {
	DeviceID string `json:"deviceId"`
	JobID    string `json:"jobId,omitempty"`
	RetryOf  string `json:"retryOf,omitempty"`
}

func newEnvelope(typ, id string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, ID: id, Payload: raw}, nil
}

// Ack decodes the payload of an ack message.
func (e Envelope) Ack() (*Ack, error) {
	if e.Type != TypeAck {
		return nil, fmt.Errorf("not an ack: %q", e.Type)
	}
	var ack Ack
	if err := json.Unmarshal(e.Payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Progress decodes the payload of a progress message.
func (e Envelope) Progress() (*interfaces.ProgressEvent, error) {
	if e.Type != TypeProgress {
		return nil, fmt.Errorf("not a progress event: %q", e.Type)
	}
	var ev interfaces.ProgressEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// rejection is the single error event reported for a request that never
// became a job.
func rejection(deviceID, step string, err error) interfaces.ProgressEvent {
	return interfaces.ProgressEvent{
		DeviceID: deviceID,
		Seq:      1,
		Step:     step,
		Message:  err.Error(),
		Status:   interfaces.StatusError,
		Code:     interfaces.CodeOf(err),
		Time:     time.Now(),
	}
}
