package sipfront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AgentRunner places the AI agent into a room and removes it at call end.
type AgentRunner interface {
	Join(ctx context.Context, room, token, callID string) error
	Leave(ctx context.Context, room string) error
}

// HTTPAgentRunner drives an external agent process over its HTTP control
// surface.
type HTTPAgentRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAgentRunner builds a runner client for the agent controller at
// baseURL.
func NewHTTPAgentRunner(baseURL string) *HTTPAgentRunner {
	return &HTTPAgentRunner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type agentJoinRequest struct {
	Room   string `json:"room"`
	Token  string `json:"token"`
	CallID string `json:"call_id"`
}

type agentLeaveRequest struct {
	Room string `json:"room"`
}

// Join asks the agent controller to connect an agent to the room.
func (a *HTTPAgentRunner) Join(ctx context.Context, room, token, callID string) error {
	return a.post(ctx, "/agent/join", agentJoinRequest{Room: room, Token: token, CallID: callID})
}

// Leave asks the agent controller to disconnect the agent from the room.
func (a *HTTPAgentRunner) Leave(ctx context.Context, room string) error {
	return a.post(ctx, "/agent/leave", agentLeaveRequest{Room: room})
}

func (a *HTTPAgentRunner) post(ctx context.Context, p string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+p, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent controller unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent controller returned %d for %s", resp.StatusCode, p)
	}
	return nil
}
