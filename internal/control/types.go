package control

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// CallEvent names a step of the call lifecycle carried by a control message.
type CallEvent string

const (
	EventStart         CallEvent = "START"
	EventSpeakerChange CallEvent = "SPEAKER_CHANGE"
	EventEnd           CallEvent = "END"
)

const (
	DefaultFromNumber = "Customer Phone"
	DefaultToNumber   = "System Phone"
)

var ErrMissingSamplingRate = errors.New("samplingRate is required at START")

// CallMetaData is the control message payload and, once a session starts,
// the session's identity. Token fields are never read from the wire; they
// are attached from the connection's auth context.
type CallMetaData struct {
	CallID           string    `json:"callId"`
	CallEvent        CallEvent `json:"callEvent"`
	FromNumber       string    `json:"fromNumber,omitempty"`
	ToNumber         string    `json:"toNumber,omitempty"`
	AgentID          string    `json:"agentId,omitempty"`
	ActiveSpeaker    string    `json:"activeSpeaker,omitempty"`
	SamplingRate     int       `json:"samplingRate,omitempty"`
	ShouldRecordCall *bool     `json:"shouldRecordCall,omitempty"`

	AccessToken  string `json:"-"`
	IDToken      string `json:"-"`
	RefreshToken string `json:"-"`
}

// Parse decodes a control message. It never fails: a payload that is not
// valid JSON yields a message with a fresh callId and no event, and the
// decode error is returned alongside for logging.
func Parse(raw []byte) (CallMetaData, error) {
	var meta CallMetaData
	if err := json.Unmarshal(raw, &meta); err != nil {
		return CallMetaData{CallID: uuid.NewString()}, err
	}
	if meta.CallID == "" {
		meta.CallID = uuid.NewString()
	}
	return meta, nil
}

// Normalize fills the identity defaults a START needs and checks the
// sampling rate. The receiver is a copy; the caller owns the result.
func (m CallMetaData) Normalize() (CallMetaData, error) {
	if m.SamplingRate <= 0 {
		return m, ErrMissingSamplingRate
	}
	if m.CallID == "" {
		m.CallID = uuid.NewString()
	}
	if m.AgentID == "" {
		m.AgentID = uuid.NewString()
	}
	if m.FromNumber == "" {
		m.FromNumber = DefaultFromNumber
	}
	if m.ToNumber == "" {
		m.ToNumber = DefaultToNumber
	}
	if m.ActiveSpeaker == "" {
		m.ActiveSpeaker = m.FromNumber
	}
	return m, nil
}

// RecordingEnabled resolves shouldRecordCall: the client's value wins,
// otherwise the service default applies.
func (m CallMetaData) RecordingEnabled(serviceDefault bool) bool {
	if m.ShouldRecordCall != nil {
		return *m.ShouldRecordCall
	}
	return serviceDefault
}
