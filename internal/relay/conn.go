package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/auth"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/chunker"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/control"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/events"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/metrics"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/recording"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/session"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/transcribe"
)

// End triggers.
const (
	triggerEnd      = "end"
	triggerClose    = "close"
	triggerFailure  = "failure"
	unknownEventTag = "unknown"
)

// connection is one websocket and, after START, its call session. Messages
// are read and handled sequentially on the serve goroutine, which is the
// only writer of sess.
type connection struct {
	id       string
	relay    *Relay
	ws       *websocket.Conn
	identity auth.Identity
	logger   *zap.Logger
	router   *control.Router

	ctx    context.Context
	cancel context.CancelFunc

	sess       *session.Session
	pumpDone   chan struct{}
	readerDone chan struct{}

	closeOnce sync.Once
}

func newConnection(rl *Relay, ws *websocket.Conn, identity auth.Identity, clientIP string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:       uuid.NewString(),
		relay:    rl,
		ws:       ws,
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = rl.logger.With(zap.String("conn", c.id), zap.String("clientIP", clientIP))
	c.router = control.NewRouter(func(meta control.CallMetaData) {
		c.logger.Warn("unknown call event", zap.String("callEvent", string(meta.CallEvent)), zap.String("callId", meta.CallID))
	})
	c.router.Register(control.EventStart, c.onStart)
	c.router.Register(control.EventSpeakerChange, c.onSpeakerChange)
	c.router.Register(control.EventEnd, c.onEnd)
	return c
}

func (c *connection) serve() {
	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	cfg := c.relay.cfg.WebSocket
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	go c.keepAlive(cfg.PingPeriod)

	c.logger.Info("connection opened", zap.String("subject", c.identity.Claims.Subject))

	trigger := triggerClose
	defer func() { c.finish(trigger) }()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection read ended", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if err := c.handle(mt, data); err != nil {
			metrics.ConnectionFailuresTotal.Inc()
			if c.relay.cfg.Failure.FailFast {
				c.logger.Fatal("connection handler failed", zap.Error(err))
			}
			c.logger.Error("connection handler failed, closing connection", zap.Error(err))
			trigger = triggerFailure
			return
		}
	}
}

// handle processes one message. A panic is turned into an error so it only
// takes down this connection.
func (c *connection) handle(mt int, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	switch mt {
	case websocket.BinaryMessage:
		return c.handleAudio(data)
	case websocket.TextMessage:
		return c.handleControl(data)
	}
	return nil
}

func (c *connection) handleControl(data []byte) error {
	meta, err := control.Parse(data)
	if err != nil {
		c.logger.Warn("malformed control message", zap.String("callId", meta.CallID), zap.Error(err))
	}
	label := string(meta.CallEvent)
	switch meta.CallEvent {
	case control.EventStart, control.EventSpeakerChange, control.EventEnd:
	default:
		label = unknownEventTag
	}
	metrics.ControlMessagesTotal.WithLabelValues(label).Inc()
	return c.router.Dispatch(meta)
}

func (c *connection) onStart(meta control.CallMetaData) error {
	if c.sess != nil {
		c.logger.Warn("START on a connection that already has a session, ignoring",
			zap.String("callId", meta.CallID),
			zap.String("sessionCallId", c.sess.CallID()),
		)
		return nil
	}

	meta, err := meta.Normalize()
	if err != nil {
		c.logger.Error("START rejected", zap.String("callId", meta.CallID), zap.Error(err))
		return nil
	}
	meta.AccessToken = c.identity.Tokens.Access
	meta.IDToken = c.identity.Tokens.ID
	meta.RefreshToken = c.identity.Tokens.Refresh

	cfg := c.relay.cfg
	logger := c.logger.With(zap.String("callId", meta.CallID))
	record := meta.RecordingEnabled(cfg.Recording.DefaultEnabled)

	w, err := recording.Create(cfg.Recording.TempDir, meta.CallID)
	if err != nil {
		return err
	}

	stream, err := c.relay.transcriber.Start(c.ctx, transcribe.Options{
		CallID:       meta.CallID,
		SamplingRate: meta.SamplingRate,
		Channels:     chunker.Channels,
		LanguageCode: cfg.Transcribe.LanguageCode,
	})
	if err != nil {
		logger.Error("transcription unavailable, recording only", zap.Error(err))
		stream, _ = transcribe.Disabled{}.Start(c.ctx, transcribe.Options{})
	}

	sess := session.New(c.id, meta, time.Now())
	sess.Record = record
	sess.Writer = w
	sess.Stream = stream
	sess.Chunker = chunker.New(chunker.BlockSize(meta.SamplingRate, cfg.Audio.ChunkMs), cfg.Audio.MaxBufferedChunks)

	if err := c.relay.registry.Create(sess); err != nil {
		_ = stream.Close(c.ctx)
		_ = w.Remove()
		return fmt.Errorf("register session: %w", err)
	}
	c.sess = sess
	c.logger = logger

	metrics.SessionsStartedTotal.Inc()
	metrics.ActiveSessions.Inc()
	logger.Info("session started",
		zap.Int("samplingRate", meta.SamplingRate),
		zap.Bool("record", record),
		zap.String("agentId", meta.AgentID),
		zap.Int("blockSize", sess.Chunker.BlockSize()),
	)

	ev := events.New(events.TypeStart, meta.CallID)
	ev.CustomerPhoneNumber = meta.FromNumber
	ev.SystemPhoneNumber = meta.ToNumber
	ev.AgentID = meta.AgentID
	ev.SamplingRate = meta.SamplingRate
	ev.ShouldRecordCall = &record
	ev.AccessToken = meta.AccessToken
	ev.IDToken = meta.IDToken
	ev.RefreshToken = meta.RefreshToken
	c.publish(ev)

	c.pumpDone = make(chan struct{})
	c.readerDone = make(chan struct{})
	go c.pump(sess)
	go c.readSegments(sess)
	return nil
}

func (c *connection) onSpeakerChange(meta control.CallMetaData) error {
	sess := c.sess
	if sess == nil || sess.Ended() {
		c.logger.Error("SPEAKER_CHANGE without an active session", zap.String("callId", meta.CallID))
		return nil
	}
	if sess.SetActiveSpeaker(meta.ActiveSpeaker, time.Now()) {
		c.logger.Debug("active speaker changed", zap.String("speaker", meta.ActiveSpeaker))
	} else {
		c.logger.Debug("speaker change ignored", zap.String("speaker", meta.ActiveSpeaker))
	}
	return nil
}

func (c *connection) onEnd(meta control.CallMetaData) error {
	if c.sess == nil {
		c.logger.Warn("END without a session", zap.String("callId", meta.CallID))
		return nil
	}
	c.endSession(triggerEnd)
	return nil
}

// handleAudio accepts a binary frame for the active session. Frames outside
// START..END are dropped.
func (c *connection) handleAudio(data []byte) error {
	sess := c.sess
	if sess == nil || sess.Ended() {
		metrics.AudioFramesDroppedTotal.Inc()
		c.logger.Error("audio frame without an active session, dropped", zap.Int("bytes", len(data)))
		return nil
	}

	if _, err := sess.Writer.Write(data); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	if err := sess.Chunker.Write(c.ctx, data); err != nil {
		if c.ctx.Err() != nil {
			// Closing; endSession flushes whatever was buffered.
			return nil
		}
		return fmt.Errorf("buffer audio: %w", err)
	}
	metrics.AudioFramesTotal.Inc()
	metrics.AudioBytesTotal.Add(float64(len(data)))
	return nil
}

// pump forwards completed blocks to transcription until the chunker closes.
// Each send is bounded by the transcribe send timeout. A send failure is
// logged once; remaining blocks are still drained so the reader never
// stalls.
func (c *connection) pump(sess *session.Session) {
	defer close(c.pumpDone)
	defer c.recoverHelper("transcription pump", func() {
		for range sess.Chunker.Blocks() {
		}
	})

	timeout := c.relay.cfg.Transcribe.SendTimeout
	sendBlock := func(block []byte) error {
		ctx := c.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(c.ctx, timeout)
			defer cancel()
		}
		return sess.Stream.Send(ctx, block)
	}

	failed := false
	for block := range sess.Chunker.Blocks() {
		if failed {
			continue
		}
		if err := sendBlock(block); err != nil {
			failed = true
			metrics.TranscriptionSendFailuresTotal.Inc()
			c.logger.Error("transcription send failed, audio is still recorded", zap.Error(err))
		}
	}
}

// readSegments publishes transcription results with speaker attribution
// until the stream closes.
func (c *connection) readSegments(sess *session.Session) {
	defer close(c.readerDone)
	defer c.recoverHelper("transcript reader", func() {
		for range sess.Stream.Segments() {
		}
	})
	for seg := range sess.Stream.Segments() {
		metrics.TranscriptSegmentsTotal.WithLabelValues(strconv.FormatBool(seg.IsPartial)).Inc()

		partial := seg.IsPartial
		ev := events.New(events.TypeTranscriptSegment, sess.CallID())
		ev.SegmentID = seg.ResultID
		ev.Channel = seg.Channel
		ev.Speaker = speakerFor(sess, seg)
		ev.StartTime = seg.StartTime
		ev.EndTime = seg.EndTime
		ev.Transcript = seg.Text
		ev.IsPartial = &partial
		c.publish(ev)
	}
}

// recoverHelper is deferred by the per-session goroutines. A panic fails the
// connection the same way a handler error does; drain then consumes the
// goroutine's input until its producer closes it.
func (c *connection) recoverHelper(name string, drain func()) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic: %v\n%s", r, debug.Stack())
	metrics.ConnectionFailuresTotal.Inc()
	if c.relay.cfg.Failure.FailFast {
		c.logger.Fatal(name+" failed", zap.Error(err))
	}
	c.logger.Error(name+" failed, closing connection", zap.Error(err))
	c.closeSocket()
	drain()
}

func speakerFor(sess *session.Session, seg transcribe.Segment) string {
	if seg.Channel == transcribe.ChannelAgent {
		return sess.Meta.AgentID
	}
	return sess.SpeakerAt(time.Duration(seg.StartTime * float64(time.Second)))
}

// endSession drains and finalizes the session exactly once: flush audio to
// transcription, close the stream and wait for its last results, publish
// END, finalize the recording and drop the session from the registry.
func (c *connection) endSession(trigger string) {
	sess := c.sess
	if !sess.MarkEnded() {
		if trigger == triggerEnd {
			c.logger.Warn("duplicate END ignored")
		}
		return
	}

	cfg := c.relay.cfg
	start := time.Now()

	// Transcription drains under its own deadline so a stalled stream
	// cannot eat into the upload budget.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Recording.FinalizeTimeout)
	defer cancelDrain()
	if err := sess.Chunker.Close(drainCtx); err != nil {
		c.logger.Warn("flush audio buffer failed", zap.Error(err))
	}
	waitFor(drainCtx, c.pumpDone)
	if err := sess.Stream.Close(drainCtx); err != nil {
		c.logger.Warn("close transcription stream failed", zap.Error(err))
	}
	waitFor(drainCtx, c.readerDone)

	c.publish(events.New(events.TypeEnd, sess.CallID()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Recording.FinalizeTimeout)
	defer cancel()
	res := c.relay.finalizer.Finalize(ctx, recording.Request{
		CallID:       sess.CallID(),
		SamplingRate: sess.Meta.SamplingRate,
		Record:       sess.Record,
		Writer:       sess.Writer,
	})

	c.relay.registry.Remove(c.id)
	metrics.ActiveSessions.Dec()
	metrics.SessionsEndedTotal.WithLabelValues(trigger).Inc()
	metrics.FinalizeDuration.Observe(float64(time.Since(start).Milliseconds()))

	c.logger.Info("session ended",
		zap.String("trigger", trigger),
		zap.Int64("bytes", res.Bytes),
		zap.Bool("uploaded", res.Uploaded),
		zap.Int("speakerChanges", len(sess.SpeakerEvents())),
		zap.Duration("took", time.Since(start)),
	)
}

func (c *connection) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.relay.publisher.Publish(ctx, ev); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.EventType), "error").Inc()
		c.logger.Error("publish event failed", zap.String("type", string(ev.EventType)), zap.Error(err))
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.EventType), "ok").Inc()
}

// keepAlive pings the client until the connection closes.
func (c *connection) keepAlive(period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// finish runs when the read loop exits: the close is the cancellation
// signal and takes the same path as END.
func (c *connection) finish(trigger string) {
	if c.sess != nil {
		c.endSession(trigger)
	}
	c.cancel()
	c.closeSocket()
	c.logger.Info("connection closed", zap.String("trigger", trigger))
}

// closeSocket cancels the connection context and closes the websocket,
// which unblocks the read loop and any audio write or send in flight. Safe
// from any goroutine.
func (c *connection) closeSocket() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

func waitFor(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
	}
}
