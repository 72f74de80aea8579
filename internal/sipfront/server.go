package sipfront

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/stellarvoice/voicegw/internal/config"
)

// Server is the SIP edge of the gateway: it accepts INVITEs from trunks,
// routes them, and answers or rejects based on the call manager's
// disposition.
type Server struct {
	sipCfg    *config.SIPConfig
	port      int
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	registrar *Registrar
	mgr       *CallManager
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sipCalls map[string]string // SIP Call-ID -> gateway call id
}

// NewServer creates the SIP server with handlers registered.
func NewServer(sipCfg *config.SIPConfig, port int, mgr *CallManager, logger *slog.Logger) (*Server, error) {
	log := logger.With("component", "sip")

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("voicegw"))
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(log))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	s := &Server{
		sipCfg:    sipCfg,
		port:      port,
		ua:        ua,
		srv:       srv,
		registrar: NewRegistrar(ua, log),
		mgr:       mgr,
		logger:    log,
		sipCalls:  make(map[string]string),
	}

	s.srv.OnInvite(s.handleInvite)
	s.srv.OnBye(s.handleBye)
	s.srv.OnAck(s.handleAck)
	s.srv.OnOptions(s.handleOptions)
	return s, nil
}

// Start brings up the UDP and TCP listeners and the trunk registrations.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	for _, trunk := range s.sipCfg.Trunks {
		if err := s.registrar.StartTrunk(trunk); err != nil {
			s.logger.Error("starting trunk registration", "trunk", trunk.Name, "error", err)
		}
	}
	return nil
}

// Stop shuts down registrations and listeners.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.registrar.StopAll()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Registrar exposes registration state for health reporting.
func (s *Server) Registrar() *Registrar {
	return s.registrar
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	caller := req.From().Address.User
	called := req.To().Address.User
	trunk := s.trunkForSource(req.Source())
	sipCallID := ""
	if cid := req.CallID(); cid != nil {
		sipCallID = cid.Value()
	}

	log := s.logger.With("sip_call_id", sipCallID, "caller", caller, "called", called, "trunk", trunk)
	log.Info("invite received", "source", req.Source())

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		log.Error("failed to send trying", "error", err)
	}

	headers := headerMap(req)
	dispo, err := s.mgr.HandleIncomingCall(context.Background(), sipCallID, caller, called, trunk, headers)
	if err != nil {
		log.Error("call setup failed", "error", err)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	switch dispo.Action {
	case config.ActionVoiceAI:
		s.mu.Lock()
		s.sipCalls[sipCallID] = dispo.CallID
		s.mu.Unlock()
		log.Info("answering call", "call_id", dispo.CallID, "room", dispo.RoomName)
		s.respond(req, tx, 200, "OK")

	case config.ActionForward:
		// Redirect back upstream; the provider re-routes on the 302.
		res := sip.NewResponseFromRequest(req, 302, "Moved Temporarily", nil)
		res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", req.To().Address.String())))
		if err := tx.Respond(res); err != nil {
			log.Error("failed to send redirect", "error", err)
		}

	default:
		log.Info("rejecting call", "call_id", dispo.CallID)
		s.respond(req, tx, 603, "Decline")
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := ""
	if cid := req.CallID(); cid != nil {
		sipCallID = cid.Value()
	}

	s.mu.Lock()
	callID, ok := s.sipCalls[sipCallID]
	if ok {
		delete(s.sipCalls, sipCallID)
	}
	s.mu.Unlock()

	s.logger.Info("bye received", "sip_call_id", sipCallID, "call_id", callID)
	if ok {
		s.mgr.EndCall(context.Background(), callID, "caller_hangup")
	}
	s.respond(req, tx, 200, "OK")
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("ack received", "source", req.Source())
}

func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		s.logger.Error("failed to respond", "code", code, "error", err)
	}
}

// trunkForSource matches the request source address against configured trunk
// hosts. Unmatched sources route with an empty trunk name.
func (s *Server) trunkForSource(source string) string {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		// Bare host without a port.
		host = strings.Trim(source, "[]")
	}
	for _, trunk := range s.sipCfg.Trunks {
		if trunk.Host == host {
			return trunk.Name
		}
	}
	return ""
}

// headerMap flattens request headers for routing-rule conditions. Later
// duplicates win, which matches how rules are written in practice.
func headerMap(req *sip.Request) map[string]string {
	out := make(map[string]string)
	for _, h := range req.Headers() {
		out[h.Name()] = h.Value()
	}
	return out
}
