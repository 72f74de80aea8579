package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// twirpPrefix is the path prefix of the media server's room service.
const twirpPrefix = "/twirp/livekit.RoomService/"

const (
	// adminTokenTTL is the lifetime requested for cached admin tokens.
	adminTokenTTL = time.Hour
	// adminTokenRefreshMargin is how long before expiry the cached admin
	// token is replaced.
	adminTokenRefreshMargin = 5 * time.Minute
)

// TokenSource mints an admin bearer token valid for ttl. The client caches
// the result until shortly before expiresAt.
type TokenSource func(ttl time.Duration) (token string, expiresAt time.Time, err error)

// Client is a typed JSON RPC client for the media server's control plane.
// Transient failures (rate limits, 5xx, connection errors, timeouts) are
// retried per the configured policy; all other errors surface immediately.
//
// All exported methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	policy     RetryPolicy
	logger     *slog.Logger

	tokenMu     sync.Mutex
	cachedToken string
	tokenExpiry time.Time

	statsMu      sync.Mutex
	total        int64
	success      int64
	failure      int64
	retries      int64
	totalLatency time.Duration
}

// NewClient creates a media server client. baseURL is the control plane
// origin (e.g. "https://media.example.com").
func NewClient(baseURL string, tokens TokenSource, policy RetryPolicy, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		policy:     policy,
		logger:     logger.With("component", "media-client"),
	}
}

// CreateRoom creates (or returns the existing) room with the given name.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	var room Room
	if err := c.call(ctx, "CreateRoom", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms lists active rooms, optionally filtered by name.
func (c *Client) ListRooms(ctx context.Context, req ListRoomsRequest) ([]Room, error) {
	var resp ListRoomsResponse
	if err := c.call(ctx, "ListRooms", req, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// DeleteRoom deletes a room and disconnects all of its participants.
func (c *Client) DeleteRoom(ctx context.Context, room string) error {
	var resp struct{}
	return c.call(ctx, "DeleteRoom", DeleteRoomRequest{Room: room}, &resp)
}

// ListParticipants lists the participants currently in a room.
func (c *Client) ListParticipants(ctx context.Context, room string) ([]ParticipantInfo, error) {
	var resp ListParticipantsResponse
	if err := c.call(ctx, "ListParticipants", ListParticipantsRequest{Room: room}, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// GetParticipant returns one participant by identity.
func (c *Client) GetParticipant(ctx context.Context, room, identity string) (*ParticipantInfo, error) {
	var p ParticipantInfo
	if err := c.call(ctx, "GetParticipant", RoomParticipantIdentity{Room: room, Identity: identity}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RemoveParticipant disconnects a participant from a room.
func (c *Client) RemoveParticipant(ctx context.Context, room, identity string) error {
	var resp struct{}
	return c.call(ctx, "RemoveParticipant", RoomParticipantIdentity{Room: room, Identity: identity}, &resp)
}

// UpdateParticipant updates a participant's metadata.
func (c *Client) UpdateParticipant(ctx context.Context, req UpdateParticipantRequest) (*ParticipantInfo, error) {
	var p ParticipantInfo
	if err := c.call(ctx, "UpdateParticipant", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MutePublishedTrack mutes or unmutes a participant's published track.
func (c *Client) MutePublishedTrack(ctx context.Context, req MuteRoomTrackRequest) (*TrackInfo, error) {
	var resp MuteRoomTrackResponse
	if err := c.call(ctx, "MutePublishedTrack", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Track, nil
}

// UpdateSubscriptions subscribes or unsubscribes a participant from tracks.
func (c *Client) UpdateSubscriptions(ctx context.Context, req UpdateSubscriptionsRequest) error {
	var resp struct{}
	return c.call(ctx, "UpdateSubscriptions", req, &resp)
}

// SendData delivers a payload to room participants over the data channel.
func (c *Client) SendData(ctx context.Context, req SendDataRequest) error {
	var resp struct{}
	return c.call(ctx, "SendData", req, &resp)
}

// UpdateRoomMetadata replaces a room's metadata string.
func (c *Client) UpdateRoomMetadata(ctx context.Context, room, metadata string) (*Room, error) {
	var r Room
	if err := c.call(ctx, "UpdateRoomMetadata", UpdateRoomMetadataRequest{Room: room, Metadata: metadata}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Stats returns a snapshot of the client's call metrics.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		Total:   c.total,
		Success: c.success,
		Failure: c.failure,
		Retries: c.retries,
	}
	if c.total > 0 {
		s.AvgLatencyMS = float64(c.totalLatency.Milliseconds()) / float64(c.total)
	}
	return s
}

// call performs one RPC with retries. Every attempt contributes to the
// metrics record.
func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Kind: KindInternal, Method: method, Err: fmt.Errorf("marshalling request: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.statsMu.Lock()
			c.retries++
			c.statsMu.Unlock()

			select {
			case <-ctx.Done():
				return &Error{Kind: KindCancelled, Method: method, Err: ctx.Err()}
			case <-time.After(c.policy.delay(attempt - 1)):
			}
		}

		lastErr = c.attempt(ctx, method, body, resp)
		if lastErr == nil {
			return nil
		}

		var me *Error
		if !errors.As(lastErr, &me) || !retryable(me.Kind, me.StatusCode) {
			return lastErr
		}
		c.logger.Warn("media rpc failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"kind", string(me.Kind),
			"status", me.StatusCode,
		)
	}
	return lastErr
}

// attempt performs a single HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method string, body []byte, resp any) error {
	start := time.Now()
	err := c.doHTTP(ctx, method, body, resp)
	elapsed := time.Since(start)

	c.statsMu.Lock()
	c.total++
	c.totalLatency += elapsed
	if err == nil {
		c.success++
	} else {
		c.failure++
	}
	c.statsMu.Unlock()

	return err
}

func (c *Client) doHTTP(ctx context.Context, method string, body []byte, resp any) error {
	tok, err := c.adminToken()
	if err != nil {
		return &Error{Kind: KindAuthentication, Method: method, Err: fmt.Errorf("obtaining admin token: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+twirpPrefix+method, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindInternal, Method: method, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindCancelled, Method: method, Err: ctx.Err()}
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{Kind: KindTimeout, Method: method, Err: err}
		}
		return &Error{Kind: KindConnection, Method: method, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindConnection, Method: method, Err: fmt.Errorf("reading response: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		kind := classifyStatus(httpResp.StatusCode)
		msg := twirpErrorMessage(respBody)
		return &Error{Kind: kind, Method: method, StatusCode: httpResp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, resp); err != nil {
		return &Error{Kind: KindGeneric, Method: method, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// adminToken returns the cached admin token, minting a fresh one when the
// cache is empty or within the refresh margin of expiry.
func (c *Client) adminToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.cachedToken != "" && time.Until(c.tokenExpiry) > adminTokenRefreshMargin {
		return c.cachedToken, nil
	}

	tok, expiresAt, err := c.tokens(adminTokenTTL)
	if err != nil {
		return "", err
	}
	c.cachedToken = tok
	c.tokenExpiry = expiresAt
	return tok, nil
}

// twirpErrorMessage extracts the "msg" field from a twirp error body.
// Returns the empty string when the body is not a twirp error.
func twirpErrorMessage(body []byte) string {
	var te struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &te) != nil {
		return ""
	}
	if te.Code != "" && te.Msg != "" {
		return te.Code + ": " + te.Msg
	}
	return te.Msg
}
