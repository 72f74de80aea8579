// Package providers holds the HTTP clients for the speech and language
// services the turn pipeline depends on. Each client speaks a small JSON
// protocol and reports wall-clock latency so the journal can price turns.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stellarvoice/voicegw/internal/call"
)

const requestTimeout = 25 * time.Second

// STTClient transcribes audio over an HTTP speech-to-text API.
type STTClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewSTTClient builds a transcription client for the service at url.
func NewSTTClient(url, apiKey string) *STTClient {
	return &STTClient{url: url, apiKey: apiKey, client: &http.Client{Timeout: requestTimeout}}
}

type sttRequest struct {
	Audio    string `json:"audio"` // base64 PCM
	Language string `json:"language,omitempty"`
}

type sttResponse struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	AudioSeconds float64 `json:"audio_seconds"`
	CostUSD      float64 `json:"cost_usd"`
}

// Transcribe sends buffered audio and returns the transcript.
func (c *STTClient) Transcribe(ctx context.Context, audio []byte) (call.Transcript, error) {
	start := time.Now()
	var resp sttResponse
	err := postJSON(ctx, c.client, c.url, c.apiKey, sttRequest{
		Audio: base64.StdEncoding.EncodeToString(audio),
	}, &resp)
	if err != nil {
		return call.Transcript{}, fmt.Errorf("stt request: %w", err)
	}
	return call.Transcript{
		Text:         resp.Text,
		Confidence:   resp.Confidence,
		LatencyMS:    float64(time.Since(start).Milliseconds()),
		AudioSeconds: resp.AudioSeconds,
		CostUSD:      resp.CostUSD,
	}, nil
}

// LLMClient generates replies over an HTTP chat-completion API.
type LLMClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewLLMClient builds a completion client for the service at url.
func NewLLMClient(url, apiKey, model string) *LLMClient {
	return &LLMClient{url: url, apiKey: apiKey, model: model, client: &http.Client{Timeout: requestTimeout}}
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model    string       `json:"model"`
	Messages []llmMessage `json:"messages"`
}

type llmResponse struct {
	Text  string `json:"text"`
	Usage struct {
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		CostUSD      float64 `json:"cost_usd"`
	} `json:"usage"`
}

// Complete sends the composed prompt and returns the assistant reply.
func (c *LLMClient) Complete(ctx context.Context, prompt []call.PromptMessage) (call.Completion, error) {
	start := time.Now()
	req := llmRequest{Model: c.model, Messages: make([]llmMessage, len(prompt))}
	for i, m := range prompt {
		req.Messages[i] = llmMessage{Role: m.Role, Content: m.Content}
	}

	var resp llmResponse
	if err := postJSON(ctx, c.client, c.url, c.apiKey, req, &resp); err != nil {
		return call.Completion{}, fmt.Errorf("llm request: %w", err)
	}
	return call.Completion{
		Text:      resp.Text,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		LatencyMS: float64(time.Since(start).Milliseconds()),
		CostUSD:   resp.Usage.CostUSD,
	}, nil
}

// TTSClient renders text to audio over an HTTP text-to-speech API.
type TTSClient struct {
	url       string
	apiKey    string
	frameSize int
	client    *http.Client
}

// NewTTSClient builds a synthesis client. frameSize is the byte length the
// returned audio is split into for playback pacing.
func NewTTSClient(url, apiKey string, frameSize int) *TTSClient {
	if frameSize <= 0 {
		frameSize = 3200 // 100 ms of 16 kHz 16-bit mono
	}
	return &TTSClient{url: url, apiKey: apiKey, frameSize: frameSize, client: &http.Client{Timeout: requestTimeout}}
}

type ttsRequest struct {
	Text string `json:"text"`
}

type ttsResponse struct {
	Audio        string  `json:"audio"` // base64 PCM
	AudioSeconds float64 `json:"audio_seconds"`
	CostUSD      float64 `json:"cost_usd"`
}

// Synthesize renders text and returns the audio split into frames.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (call.Synthesis, error) {
	start := time.Now()
	var resp ttsResponse
	if err := postJSON(ctx, c.client, c.url, c.apiKey, ttsRequest{Text: text}, &resp); err != nil {
		return call.Synthesis{}, fmt.Errorf("tts request: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return call.Synthesis{}, fmt.Errorf("tts response: decoding audio: %w", err)
	}
	return call.Synthesis{
		Frames:       splitFrames(audio, c.frameSize),
		LatencyMS:    float64(time.Since(start).Milliseconds()),
		AudioSeconds: resp.AudioSeconds,
		CostUSD:      resp.CostUSD,
	}, nil
}

func splitFrames(audio []byte, size int) [][]byte {
	var frames [][]byte
	for len(audio) > 0 {
		n := size
		if n > len(audio) {
			n = len(audio)
		}
		frames = append(frames, audio[:n])
		audio = audio[n:]
	}
	return frames
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
