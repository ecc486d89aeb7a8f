package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
)

// Channel ids reported by the engine for stereo input with channel
// identification: the left channel carries the meeting, the right channel
// the agent's microphone.
const (
	ChannelCaller = "ch_0"
	ChannelAgent  = "ch_1"
)

var ErrStreamClosed = errors.New("transcription stream closed")

// Options describes the audio of one call.
type Options struct {
	CallID       string
	SamplingRate int
	Channels     int
	LanguageCode string
}

// Segment is one transcription result. Times are seconds from the start of
// the stream.
type Segment struct {
	ResultID  string
	Channel   string
	StartTime float64
	EndTime   float64
	Text      string
	IsPartial bool
}

// Client opens transcription streams.
type Client interface {
	Start(ctx context.Context, opts Options) (Stream, error)
}

// Stream is a live transcription session. Send is called from one
// goroutine; Segments is read from another. Close ends the audio input,
// waits for the engine to flush its final results (bounded by ctx) and
// closes the Segments channel.
type Stream interface {
	Send(ctx context.Context, chunk []byte) error
	Segments() <-chan Segment
	Close(ctx context.Context) error
}

// AWSClient streams audio to Amazon Transcribe.
type AWSClient struct {
	client *transcribestreaming.Client
}

func NewAWSClient(cfg aws.Config) *AWSClient {
	return &AWSClient{client: transcribestreaming.NewFromConfig(cfg)}
}

func (c *AWSClient) Start(ctx context.Context, opts Options) (Stream, error) {
	channels := opts.Channels
	if channels <= 0 {
		channels = 2
	}
	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(opts.LanguageCode),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(opts.SamplingRate)),
		SessionId:            aws.String(opts.CallID),
	}
	if channels > 1 {
		input.EnableChannelIdentification = true
		input.NumberOfChannels = aws.Int32(int32(channels))
	}

	out, err := c.client.StartStreamTranscription(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("start stream transcription: %w", err)
	}

	s := &awsStream{
		es:       out.GetStream(),
		segments: make(chan Segment, 64),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type awsStream struct {
	es       *transcribestreaming.StartStreamTranscriptionEventStream
	segments chan Segment
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *awsStream) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	return s.es.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: chunk},
	})
}

func (s *awsStream) Segments() <-chan Segment {
	return s.segments
}

func (s *awsStream) readLoop() {
	defer close(s.done)
	defer close(s.segments)

	for ev := range s.es.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, r := range te.Value.Transcript.Results {
			if seg, ok := segmentFromResult(r); ok {
				s.segments <- seg
			}
		}
	}
}

// Close sends the empty audio event that marks end of input, waits for the
// engine to drain, then releases the stream.
func (s *awsStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		_ = s.es.Send(ctx, &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: []byte{}}})
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		err := s.es.Close()
		if streamErr := s.es.Err(); streamErr != nil {
			err = streamErr
		}
		s.closeErr = err
	})
	return s.closeErr
}

func segmentFromResult(r types.Result) (Segment, bool) {
	if len(r.Alternatives) == 0 {
		return Segment{}, false
	}
	text := aws.ToString(r.Alternatives[0].Transcript)
	if text == "" {
		return Segment{}, false
	}
	channel := aws.ToString(r.ChannelId)
	if channel == "" {
		channel = ChannelCaller
	}
	return Segment{
		ResultID:  aws.ToString(r.ResultId),
		Channel:   channel,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Text:      text,
		IsPartial: r.IsPartial,
	}, true
}
