package sipfront

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/stellarvoice/voicegw/internal/config"
)

// RegistrationStatus is the upstream REGISTER state of a trunk.
type RegistrationStatus string

const (
	RegStatusRegistering  RegistrationStatus = "registering"
	RegStatusRegistered   RegistrationStatus = "registered"
	RegStatusFailed       RegistrationStatus = "failed"
	RegStatusUnregistered RegistrationStatus = "unregistered"
)

// RegistrationState is one trunk's registration snapshot.
type RegistrationState struct {
	Name         string
	Status       RegistrationStatus
	LastError    string
	RetryAttempt int
	RegisteredAt *time.Time
	ExpiresAt    *time.Time
}

// Registrar maintains outbound REGISTER bindings for trunks configured with
// register: true. Reachability probing is the trunk supervisor's job; the
// registrar only keeps the binding alive.
type Registrar struct {
	ua     *sipgo.UserAgent
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*regEntry // keyed by trunk name
}

type regEntry struct {
	trunk  config.TrunkConfig
	state  RegistrationState
	client *sipgo.Client
	cancel context.CancelFunc
}

// NewRegistrar creates a trunk registration manager.
func NewRegistrar(ua *sipgo.UserAgent, logger *slog.Logger) *Registrar {
	return &Registrar{
		ua:     ua,
		logger: logger.With("subsystem", "registrar"),
		states: make(map[string]*regEntry),
	}
}

// StartTrunk begins the registration loop for a trunk. Trunks without
// register: true are ignored. An already running trunk is restarted.
func (r *Registrar) StartTrunk(trunk config.TrunkConfig) error {
	if !trunk.Register {
		return nil
	}
	r.StopTrunk(trunk.Name)

	client, err := sipgo.NewClient(r.ua,
		sipgo.WithClientLogger(r.logger.With("trunk", trunk.Name)),
	)
	if err != nil {
		return fmt.Errorf("creating sip client for trunk %q: %w", trunk.Name, err)
	}

	// Background context so the loop outlives whatever called StartTrunk.
	ctx, cancel := context.WithCancel(context.Background())
	entry := &regEntry{
		trunk:  trunk,
		client: client,
		cancel: cancel,
		state: RegistrationState{
			Name:   trunk.Name,
			Status: RegStatusRegistering,
		},
	}

	r.mu.Lock()
	r.states[trunk.Name] = entry
	r.mu.Unlock()

	go r.registrationLoop(ctx, entry)
	return nil
}

// StopTrunk cancels a trunk's registration loop and un-registers upstream.
func (r *Registrar) StopTrunk(name string) {
	r.mu.Lock()
	entry, ok := r.states[name]
	if ok {
		delete(r.states, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	if entry.state.Status == RegStatusRegistered {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if _, err := r.sendRegister(unregCtx, entry, 0); err != nil {
			r.logger.Warn("failed to un-register trunk", "trunk", name, "error", err)
		}
	}
	entry.client.Close()
	r.logger.Info("trunk registration stopped", "trunk", name)
}

// StopAll stops every running registration.
func (r *Registrar) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.states))
	for name := range r.states {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.StopTrunk(name)
	}
}

// Status returns one trunk's registration snapshot.
func (r *Registrar) Status(name string) (RegistrationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.states[name]
	if !ok {
		return RegistrationState{}, false
	}
	return entry.state, true
}

// registrationLoop registers once then re-registers before expiry, backing
// off with jitter on failures.
func (r *Registrar) registrationLoop(ctx context.Context, entry *regEntry) {
	trunk := entry.trunk
	expiry := trunk.RegisterInterval
	if expiry <= 0 {
		expiry = 300
	}

	r.logger.Info("starting trunk registration",
		"trunk", trunk.Name, "host", trunk.Host, "port", trunk.Port,
		"transport", trunk.Transport, "expiry", expiry)

	bo := newBackoff()
	for {
		granted, err := r.sendRegister(ctx, entry, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.next()
			r.logger.Error("trunk registration failed",
				"trunk", trunk.Name, "error", err,
				"attempt", bo.attempt, "retry_in", delay.String())

			r.mu.Lock()
			if e, ok := r.states[trunk.Name]; ok {
				e.state.Status = RegStatusFailed
				e.state.LastError = err.Error()
				e.state.RetryAttempt = bo.attempt
			}
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		r.mu.Lock()
		if e, ok := r.states[trunk.Name]; ok {
			e.state.Status = RegStatusRegistered
			e.state.LastError = ""
			e.state.RetryAttempt = 0
			e.state.RegisteredAt = &now
			e.state.ExpiresAt = &expiresAt
		}
		r.mu.Unlock()
		r.logger.Info("trunk registered", "trunk", trunk.Name, "expires_in", granted)

		// Refresh at 80% of the granted expiry to absorb network delays.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sendRegister sends one REGISTER, following a digest challenge when the
// registrar demands one. It returns the server-granted expiry.
func (r *Registrar) sendRegister(ctx context.Context, entry *regEntry, expiry int) (int, error) {
	trunk := entry.trunk

	recipientStr := fmt.Sprintf("sip:%s:%d", trunk.Host, trunk.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", trunk.Username, trunk.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", trunk.Username, r.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := entry.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := awaitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}
		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: trunk.Username,
			Password: trunk.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := entry.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = awaitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4).
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// awaitResponse waits for the first response from a client transaction.
func awaitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header,
// e.g. <sip:user@host>;expires=3600.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{baseDelay: 5 * time.Second, maxDelay: 5 * time.Minute}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
