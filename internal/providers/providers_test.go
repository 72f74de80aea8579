package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellarvoice/voicegw/internal/call"
)

func TestTranscribe(t *testing.T) {
	audio := bytes.Repeat([]byte{0x7f, 0x00}, 800)

	var gotAuth string
	var gotReq sttRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(sttResponse{
			Text:         "hello there",
			Confidence:   0.93,
			AudioSeconds: 1.6,
			CostUSD:      0.0004,
		})
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, "stt-key")
	tr, err := c.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotAuth != "Bearer stt-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Audio != base64.StdEncoding.EncodeToString(audio) {
		t.Error("audio payload not base64 of the input")
	}
	if tr.Text != "hello there" || tr.Confidence != 0.93 {
		t.Errorf("transcript = %+v", tr)
	}
	if tr.AudioSeconds != 1.6 || tr.CostUSD != 0.0004 {
		t.Errorf("transcript accounting = %+v", tr)
	}
	if tr.LatencyMS < 0 {
		t.Errorf("latency = %v", tr.LatencyMS)
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, "stt-key")
	_, err := c.Transcribe(context.Background(), []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if !strings.Contains(err.Error(), "status 503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("error = %v", err)
	}
}

func TestComplete(t *testing.T) {
	var gotReq llmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		resp := llmResponse{Text: "Sure, I can help with that."}
		resp.Usage.InputTokens = 42
		resp.Usage.OutputTokens = 9
		resp.Usage.CostUSD = 0.0012
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "llm-key", "test-model")
	comp, err := c.Complete(context.Background(), []call.PromptMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what are your hours?"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotReq.Model != "test-model" {
		t.Errorf("model = %q", gotReq.Model)
	}
	want := []llmMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what are your hours?"},
	}
	if len(gotReq.Messages) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(gotReq.Messages), len(want))
	}
	for i := range want {
		if gotReq.Messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, gotReq.Messages[i], want[i])
		}
	}
	if comp.Text != "Sure, I can help with that." {
		t.Errorf("text = %q", comp.Text)
	}
	if comp.TokensIn != 42 || comp.TokensOut != 9 || comp.CostUSD != 0.0012 {
		t.Errorf("completion accounting = %+v", comp)
	}
}

func TestSynthesize(t *testing.T) {
	audio := bytes.Repeat([]byte{0x01}, 250)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Text != "Your balance is forty dollars." {
			t.Errorf("text = %q", req.Text)
		}
		json.NewEncoder(w).Encode(ttsResponse{
			Audio:        base64.StdEncoding.EncodeToString(audio),
			AudioSeconds: 2.1,
			CostUSD:      0.0031,
		})
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "tts-key", 100)
	syn, err := c.Synthesize(context.Background(), "Your balance is forty dollars.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if len(syn.Frames) != 3 {
		t.Fatalf("synthesized %d frames, want 3", len(syn.Frames))
	}
	if len(syn.Frames[0]) != 100 || len(syn.Frames[1]) != 100 || len(syn.Frames[2]) != 50 {
		t.Errorf("frame sizes = %d/%d/%d", len(syn.Frames[0]), len(syn.Frames[1]), len(syn.Frames[2]))
	}
	var joined []byte
	for _, f := range syn.Frames {
		joined = append(joined, f...)
	}
	if !bytes.Equal(joined, audio) {
		t.Error("frames do not reassemble into the original audio")
	}
	if syn.AudioSeconds != 2.1 || syn.CostUSD != 0.0031 {
		t.Errorf("synthesis accounting = %+v", syn)
	}
}

func TestSynthesizeBadAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ttsResponse{Audio: "not-base64!"})
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "tts-key", 0)
	_, err := c.Synthesize(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error on undecodable audio")
	}
	if !strings.Contains(err.Error(), "decoding audio") {
		t.Errorf("error = %v", err)
	}
}

func TestSplitFrames(t *testing.T) {
	tests := []struct {
		name  string
		audio []byte
		size  int
		want  []int // frame lengths
	}{
		{"empty", nil, 100, nil},
		{"exact multiple", make([]byte, 200), 100, []int{100, 100}},
		{"remainder", make([]byte, 250), 100, []int{100, 100, 50}},
		{"smaller than frame", make([]byte, 30), 100, []int{30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := splitFrames(tt.audio, tt.size)
			if len(frames) != len(tt.want) {
				t.Fatalf("got %d frames, want %d", len(frames), len(tt.want))
			}
			for i, n := range tt.want {
				if len(frames[i]) != n {
					t.Errorf("frame %d length = %d, want %d", i, len(frames[i]), n)
				}
			}
		})
	}
}

func TestDefaultFrameSize(t *testing.T) {
	c := NewTTSClient("http://localhost", "k", 0)
	if c.frameSize != 3200 {
		t.Errorf("frameSize = %d, want 3200", c.frameSize)
	}
	c = NewTTSClient("http://localhost", "k", -1)
	if c.frameSize != 3200 {
		t.Errorf("frameSize = %d, want 3200", c.frameSize)
	}
}
