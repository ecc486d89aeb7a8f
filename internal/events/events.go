// Package events publishes call lifecycle and transcript events to the
// downstream consumers of the relay.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"go.uber.org/zap"
)

// Type identifies an event record.
type Type string

const (
	TypeStart             Type = "START"
	TypeEnd               Type = "END"
	TypeTranscriptSegment Type = "ADD_TRANSCRIPT_SEGMENT"
	TypeRecordingURL      Type = "ADD_S3_RECORDING_URL"
)

// Event is one record on the call event stream. Fields not relevant to an
// event type are omitted from the JSON.
type Event struct {
	EventType Type   `json:"EventType"`
	CallID    string `json:"CallId"`
	CreatedAt string `json:"CreatedAt"`

	// START
	CustomerPhoneNumber string `json:"CustomerPhoneNumber,omitempty"`
	SystemPhoneNumber   string `json:"SystemPhoneNumber,omitempty"`
	AgentID             string `json:"AgentId,omitempty"`
	SamplingRate        int    `json:"SamplingRate,omitempty"`
	ShouldRecordCall    *bool  `json:"ShouldRecordCall,omitempty"`
	AccessToken         string `json:"AccessToken,omitempty"`
	IDToken             string `json:"IdToken,omitempty"`
	RefreshToken        string `json:"RefreshToken,omitempty"`

	// ADD_TRANSCRIPT_SEGMENT
	SegmentID  string  `json:"SegmentId,omitempty"`
	Channel    string  `json:"Channel,omitempty"`
	Speaker    string  `json:"Speaker,omitempty"`
	StartTime  float64 `json:"StartTime,omitempty"`
	EndTime    float64 `json:"EndTime,omitempty"`
	Transcript string  `json:"Transcript,omitempty"`
	IsPartial  *bool   `json:"IsPartial,omitempty"`

	// ADD_S3_RECORDING_URL
	RecordingURL string `json:"RecordingUrl,omitempty"`
}

// New returns an event of type t for callID stamped with the current time.
func New(t Type, callID string) Event {
	return Event{EventType: t, CallID: callID, CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Publisher delivers events downstream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type recordPutter interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisPublisher writes events as JSON records to a Kinesis data stream,
// partitioned by call id so a call's events stay ordered.
type KinesisPublisher struct {
	client recordPutter
	stream string
}

func NewKinesisPublisher(cfg aws.Config, stream string) *KinesisPublisher {
	return &KinesisPublisher{client: kinesis.NewFromConfig(cfg), stream: stream}
}

func (p *KinesisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.stream),
		PartitionKey: aws.String(ev.CallID),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", ev.EventType, ev.CallID, err)
	}
	return nil
}

// LogPublisher only logs events. Used when no stream is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Logger.Info("call event",
		zap.String("type", string(ev.EventType)),
		zap.String("callId", ev.CallID),
		zap.String("speaker", ev.Speaker),
		zap.String("transcript", ev.Transcript),
		zap.String("recordingUrl", ev.RecordingURL),
	)
	return nil
}

// Recorder keeps published events in memory for inspection in tests.
type Recorder struct {
	// Err, when set, is returned from Publish after the event is recorded.
	Err error

	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t, optionally filtered by call.
func (r *Recorder) OfType(t Type, callID string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.EventType == t && (callID == "" || ev.CallID == callID) {
			out = append(out, ev)
		}
	}
	return out
}
