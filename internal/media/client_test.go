package media

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticTokens(tok string) TokenSource {
	return func(ttl time.Duration) (string, time.Time, error) {
		return tok, time.Now().Add(ttl), nil
	}
}

// fastRetries keeps test retry waits in the microsecond range.
func fastRetries(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/twirp/livekit.RoomService/CreateRoom" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Name != "voice-ai-call-abc" || req.EmptyTimeout != 300 {
			t.Errorf("request = %+v", req)
		}

		json.NewEncoder(w).Encode(Room{Name: req.Name, SID: "RM_x", EmptyTimeout: req.EmptyTimeout})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("test-token"), fastRetries(1), discardLogger())
	room, err := c.CreateRoom(context.Background(), CreateRoomRequest{Name: "voice-ai-call-abc", EmptyTimeout: 300})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.SID != "RM_x" {
		t.Errorf("SID = %q", room.SID)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(struct{}{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("t"), fastRetries(3), discardLogger())
	if err := c.DeleteRoom(context.Background(), "r"); err != nil {
		t.Fatalf("DeleteRoom after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}

	stats := c.Stats()
	if stats.Retries != 2 {
		t.Errorf("Retries = %d, want 2", stats.Retries)
	}
	if stats.Total != 3 || stats.Success != 1 || stats.Failure != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNoRetryOnValidationError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"code": "invalid_argument", "msg": "name required"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("t"), fastRetries(3), discardLogger())
	_, err := c.CreateRoom(context.Background(), CreateRoomRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %q, want validation", KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 400)", got)
	}

	var me *Error
	if !errors.As(err, &me) {
		t.Fatal("error should be a *media.Error")
	}
	if me.Message != "invalid_argument: name required" {
		t.Errorf("Message = %q", me.Message)
	}
}

func TestNotFoundKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "msg": "no such room"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("t"), fastRetries(1), discardLogger())
	err := c.DeleteRoom(context.Background(), "gone")
	if KindOf(err) != KindNotFound {
		t.Errorf("kind = %q, want not_found", KindOf(err))
	}
}

func TestConnectionErrorKind(t *testing.T) {
	// A closed server yields a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, staticTokens("t"), fastRetries(1), discardLogger())
	err := c.DeleteRoom(context.Background(), "r")
	if KindOf(err) != KindConnection {
		t.Errorf("kind = %q, want connection", KindOf(err))
	}
}

func TestAdminTokenCached(t *testing.T) {
	var mints atomic.Int64
	tokens := func(ttl time.Duration) (string, time.Time, error) {
		mints.Add(1)
		return "tok", time.Now().Add(ttl), nil
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct{}{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, tokens, fastRetries(1), discardLogger())
	for i := 0; i < 5; i++ {
		if err := c.DeleteRoom(context.Background(), "r"); err != nil {
			t.Fatalf("DeleteRoom: %v", err)
		}
	}
	if got := mints.Load(); got != 1 {
		t.Errorf("token source called %d times, want 1 (cached)", got)
	}
}

func TestListRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ListRoomsResponse{Rooms: []Room{{Name: "a"}, {Name: "b"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("t"), fastRetries(1), discardLogger())
	rooms, err := c.ListRooms(context.Background(), ListRoomsRequest{})
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("got %d rooms, want 2", len(rooms))
	}
}

func TestRetryDelayCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	if d := p.delay(0); d != time.Second {
		t.Errorf("delay(0) = %s", d)
	}
	if d := p.delay(1); d != 2*time.Second {
		t.Errorf("delay(1) = %s", d)
	}
	if d := p.delay(4); d != 3*time.Second {
		t.Errorf("delay(4) = %s, want the 3s cap", d)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		want   bool
	}{
		{KindRateLimit, 429, true},
		{KindServerError, 500, true},
		{KindServerError, 503, true},
		{KindServerError, 501, false},
		{KindConnection, 0, true},
		{KindTimeout, 0, true},
		{KindValidation, 400, false},
		{KindAuthentication, 401, false},
		{KindNotFound, 404, false},
	}
	for _, tt := range tests {
		if got := retryable(tt.kind, tt.status); got != tt.want {
			t.Errorf("retryable(%s, %d) = %v, want %v", tt.kind, tt.status, got, tt.want)
		}
	}
}
