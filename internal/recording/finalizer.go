package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/audio"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/chunker"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/events"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/metrics"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/storage"
)

// Request describes one call's recording at the end of the call.
type Request struct {
	CallID       string
	SamplingRate int
	Record       bool
	Writer       *Writer
}

// Result reports what Finalize did.
type Result struct {
	Bytes    int64
	RawKey   string
	WAVKey   string
	URL      string
	Uploaded bool
}

// Finalizer closes, uploads and cleans up call recordings.
type Finalizer struct {
	uploader  storage.Uploader
	publisher events.Publisher
	prefix    string
	logger    *zap.Logger
}

func NewFinalizer(uploader storage.Uploader, publisher events.Publisher, prefix string, logger *zap.Logger) *Finalizer {
	return &Finalizer{uploader: uploader, publisher: publisher, prefix: prefix, logger: logger}
}

// Keys returns the raw and WAV object keys for a call id.
func (f *Finalizer) Keys(callID string) (rawKey, wavKey string) {
	name := SanitizeFilename(callID)
	if name == "" {
		name = "call"
	}
	return path.Join(f.prefix, name+".raw"), path.Join(f.prefix, name+".wav")
}

// Finalize closes the raw sink and, if recording is enabled, uploads the
// raw PCM and a WAV rendition (header streamed ahead of the same raw file).
// Both uploads are always attempted and the local file is always removed.
// Upload failures are logged and not retried; the recording URL event is
// published only when both uploads succeed.
func (f *Finalizer) Finalize(ctx context.Context, req Request) Result {
	logger := f.logger.With(zap.String("callId", req.CallID))
	w := req.Writer
	res := Result{Bytes: w.Size()}

	if err := w.Close(); err != nil {
		logger.Error("close recording file failed", zap.Error(err))
	}
	defer func() {
		if err := w.Remove(); err != nil {
			logger.Warn("remove recording file failed", zap.String("path", w.Path()), zap.Error(err))
		}
	}()

	metrics.RecordingBytes.Observe(float64(res.Bytes))

	if !req.Record {
		logger.Debug("recording disabled, discarding audio", zap.Int64("bytes", res.Bytes))
		return res
	}

	res.RawKey, res.WAVKey = f.Keys(req.CallID)

	_, rawErr := f.upload(ctx, logger, res.RawKey, w.Path(), nil, res.Bytes, "application/octet-stream")

	header := audio.WAVHeader(req.SamplingRate, chunker.Channels, chunker.BytesPerSample*8, res.Bytes)
	url, wavErr := f.upload(ctx, logger, res.WAVKey, w.Path(), header, res.Bytes, "audio/wav")

	if rawErr != nil || wavErr != nil {
		return res
	}

	res.URL = url
	res.Uploaded = true
	logger.Info("recording uploaded",
		zap.String("rawKey", res.RawKey),
		zap.String("wavKey", res.WAVKey),
		zap.Int64("bytes", res.Bytes),
	)

	ev := events.New(events.TypeRecordingURL, req.CallID)
	ev.RecordingURL = url
	if err := f.publisher.Publish(ctx, ev); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.EventType), "error").Inc()
		logger.Error("publish recording url failed", zap.Error(err))
	} else {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.EventType), "ok").Inc()
	}
	return res
}

// upload wraps uploadFile with the outcome metric and error log.
func (f *Finalizer) upload(ctx context.Context, logger *zap.Logger, key, p string, prefix []byte, size int64, contentType string) (string, error) {
	url, err := f.uploadFile(ctx, key, p, prefix, size, contentType)
	if err != nil {
		metrics.RecordingUploadsTotal.WithLabelValues("error").Inc()
		logger.Error("recording upload failed", zap.String("key", key), zap.Error(err))
		return "", err
	}
	metrics.RecordingUploadsTotal.WithLabelValues("ok").Inc()
	return url, nil
}

// uploadFile uploads prefix followed by the first size bytes of the file at
// p. Limiting to size keeps the declared length exact even if the file grew.
func (f *Finalizer) uploadFile(ctx context.Context, key, p string, prefix []byte, size int64, contentType string) (string, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer file.Close()

	var body io.Reader = io.LimitReader(file, size)
	if len(prefix) > 0 {
		body = io.MultiReader(bytes.NewReader(prefix), body)
	}

	start := time.Now()
	url, err := f.uploader.Upload(ctx, key, body, int64(len(prefix))+size, contentType)
	if err != nil {
		return "", err
	}
	f.logger.Debug("object uploaded", zap.String("key", key), zap.Duration("took", time.Since(start)))
	return url, nil
}
