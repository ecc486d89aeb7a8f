//go:build soak

package relay

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/audio"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/config"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/events"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/testutil"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/transcribe"
)

const (
	soakDuration = 2 * time.Minute
	soakCalls    = 5
	soakRate     = 16000
	frameEvery   = 100 * time.Millisecond
)

func TestSoakStability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping soak test in short mode")
	}

	h := newHarness(t, func(cfg *config.Config, tx *transcribe.MockClient) {
		cfg.Recording.DefaultEnabled = true
		tx.EmitAfterChunks = 1
		tx.Script = []transcribe.Segment{{ResultID: "soak", Channel: transcribe.ChannelCaller, Text: "hello world test"}}
	})

	baselineGoroutines := testutil.GoroutineBaseline()
	t.Logf("baseline goroutines: %d", baselineGoroutines)

	// 100ms of stereo PCM per frame.
	frame := audio.StereoTone(soakRate, frameEvery.Seconds())
	stopCh := make(chan struct{})
	sentBytes := make([]int, soakCalls)

	var wg sync.WaitGroup
	for i := 0; i < soakCalls; i++ {
		ws := h.dial(t)
		callID := fmt.Sprintf("soak-call-%d", i)
		send(t, ws, start(callID, soakRate, nil))

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticker := time.NewTicker(frameEvery)
			defer ticker.Stop()
			speakers := []string{"Alice", "Bob"}
			n := 0
			for {
				select {
				case <-stopCh:
					ws.WriteMessage(websocket.TextMessage, []byte(`{"callEvent":"END"}`))
					ws.Close()
					return
				case <-ticker.C:
					if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
						t.Errorf("%s: write audio: %v", callID, err)
						return
					}
					sentBytes[i] += len(frame)
					n++
					if n%50 == 0 {
						msg := fmt.Sprintf(`{"callEvent":"SPEAKER_CHANGE","activeSpeaker":%q}`, speakers[n/50%2])
						ws.WriteMessage(websocket.TextMessage, []byte(msg))
					}
				}
			}
		}(i)
	}

	deadline := time.Now().Add(soakDuration)
	var memSamples []uint64
	sampleTicker := time.NewTicker(15 * time.Second)
	defer sampleTicker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-sampleTicker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			memSamples = append(memSamples, ms.HeapInuse)
			t.Logf("goroutines=%d heapInuse=%dKB sessions=%d",
				runtime.NumGoroutine(), ms.HeapInuse/1024, h.relay.Registry().Len())
		default:
			time.Sleep(time.Second)
		}
	}

	close(stopCh)
	wg.Wait()

	require.Eventually(t, func() bool { return h.relay.Registry().Len() == 0 }, 30*time.Second, 100*time.Millisecond)

	for i := 0; i < soakCalls; i++ {
		callID := fmt.Sprintf("soak-call-%d", i)
		raw, ok := h.store.Object("rec/" + callID + ".raw")
		require.True(t, ok, callID)
		require.Len(t, raw, sentBytes[i], callID)
		require.Len(t, h.events.OfType(events.TypeEnd, callID), 1, callID)
	}

	testutil.AssertNoGoroutineLeaks(t, baselineGoroutines, 10)

	if len(memSamples) >= 4 {
		firstAvg := (memSamples[0] + memSamples[1]) / 2
		lastAvg := (memSamples[len(memSamples)-1] + memSamples[len(memSamples)-2]) / 2
		ratio := float64(lastAvg) / float64(firstAvg)
		t.Logf("memory ratio (last/first avg): %.2f", ratio)
		if ratio > 3.0 {
			t.Errorf("possible memory leak: first avg=%dKB, last avg=%dKB, ratio=%.2f",
				firstAvg/1024, lastAvg/1024, ratio)
		}
	}
}
