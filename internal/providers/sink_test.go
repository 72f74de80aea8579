package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stellarvoice/voicegw/internal/media"
)

type dataRecorder struct {
	mu   sync.Mutex
	sent []media.SendDataRequest
}

func (d *dataRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/twirp/livekit.RoomService/SendData" {
			http.NotFound(w, r)
			return
		}
		var req media.SendDataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.sent = append(d.sent, req)
		d.mu.Unlock()
		w.Write([]byte("{}"))
	})
}

func (d *dataRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *dataRecorder) requests() []media.SendDataRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.SendDataRequest(nil), d.sent...)
}

func newTestSink(t *testing.T) (*RoomSink, *dataRecorder) {
	t.Helper()
	rec := &dataRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	tokens := func(time.Duration) (string, time.Time, error) {
		return "admin-jwt", time.Now().Add(time.Hour), nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := media.NewClient(srv.URL, tokens, media.RetryPolicy{MaxAttempts: 1}, logger)
	return NewRoomSink(client), rec
}

func TestPublishFramesDeliversInOrder(t *testing.T) {
	sink, rec := newTestSink(t)

	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if err := sink.PublishFrames(context.Background(), "abc123", frames); err != nil {
		t.Fatalf("PublishFrames: %v", err)
	}

	sent := rec.requests()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, req := range sent {
		if req.Room != "voice-ai-call-abc123" {
			t.Errorf("frame %d room = %q", i, req.Room)
		}
		if req.Kind != "lossy" || req.Topic != "agent-audio" {
			t.Errorf("frame %d kind/topic = %q/%q", i, req.Kind, req.Topic)
		}
		if !bytes.Equal(req.Data, frames[i]) {
			t.Errorf("frame %d payload = %q, want %q", i, req.Data, frames[i])
		}
	}
}

func TestPublishFramesPacing(t *testing.T) {
	sink, _ := newTestSink(t)

	frames := [][]byte{{1}, {2}, {3}}
	start := time.Now()
	if err := sink.PublishFrames(context.Background(), "abc123", frames); err != nil {
		t.Fatalf("PublishFrames: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("3 frames delivered in %v, want at least 200ms of pacing", elapsed)
	}
}

func TestStopPlaybackInterruptsDelivery(t *testing.T) {
	sink, rec := newTestSink(t)

	frames := make([][]byte, 50)
	for i := range frames {
		frames[i] = []byte{byte(i)}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sink.PublishFrames(context.Background(), "abc123", frames)
	}()

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no frames delivered before stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
	sink.StopPlayback("abc123")

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("PublishFrames returned nil, want a cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PublishFrames did not return after StopPlayback")
	}
	if got := rec.count(); got >= len(frames) {
		t.Errorf("delivered %d frames, want fewer than %d", got, len(frames))
	}
}

func TestStopPlaybackUnknownCallIsNoop(t *testing.T) {
	sink, _ := newTestSink(t)
	sink.StopPlayback("no-such-call")
}

func TestNewPlaybackSupersedesOld(t *testing.T) {
	sink, _ := newTestSink(t)

	frames := make([][]byte, 50)
	for i := range frames {
		frames[i] = []byte{byte(i)}
	}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- sink.PublishFrames(context.Background(), "abc123", frames)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := sink.PublishFrames(context.Background(), "abc123", [][]byte{{9}}); err != nil {
		t.Fatalf("second PublishFrames: %v", err)
	}

	select {
	case err := <-firstErr:
		if err == nil {
			t.Error("first PublishFrames returned nil, want a cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first playback was not cancelled by the second")
	}
}
