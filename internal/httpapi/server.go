package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/IceDan98/Dualis/internal/config"
	"github.com/IceDan98/Dualis/internal/observability"
	"github.com/IceDan98/Dualis/internal/protocol"
	"github.com/IceDan98/Dualis/internal/turn"
)

// Submitter runs one turn to its terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, req turn.Request) turn.Outcome
}

// QuotaReader reports the user's remaining daily allowance.
type QuotaReader interface {
	Remaining(userID string) (int, error)
}

type Server struct {
	cfg      config.Config
	turns    Submitter
	quotas   QuotaReader
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, turns Submitter, quotas QuotaReader, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		turns:   turns,
		quotas:  quotas,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a user's chat
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleSubmitTurn)
	r.Get("/v1/turns/ws", s.handleTurnWS)
	r.Get("/v1/quota/{user_id}", s.handleQuota)
	r.Get("/v1/perf/turns", s.handlePerfTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type submitTurnRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
	Text      string `json:"text"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req submitTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	out := s.turns.Submit(r.Context(), turn.Request{
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
		Text:      req.Text,
	})
	respondJSON(w, statusForOutcome(out.Kind), out)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if strings.TrimSpace(userID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	remaining, err := s.quotas.Remaining(userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tier_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"remaining": remaining,
		"unlimited": remaining < 0,
	})
}

func (s *Server) handlePerfTurns(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TurnStageSnapshot())
}

func statusForOutcome(kind turn.OutcomeKind) int {
	switch kind {
	case turn.OutcomeCompleted:
		return http.StatusOK
	case turn.OutcomeDenied:
		return http.StatusTooManyRequests
	case turn.OutcomeContextOverflow:
		return http.StatusRequestEntityTooLarge
	case turn.OutcomeSuperseded:
		return http.StatusConflict
	case turn.OutcomeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// cancelTurn aborts the submission this connection most recently
	// started; the coordinator resolves it to a Cancelled outcome.
	var turnMu sync.Mutex
	var cancelTurn context.CancelFunc

	var pending sync.WaitGroup
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientTurn:
			turnCtx, tc := context.WithCancel(ctx)
			turnMu.Lock()
			cancelTurn = tc
			turnMu.Unlock()

			pending.Add(1)
			go func(msg protocol.ClientTurn) {
				defer pending.Done()
				defer tc()
				out := s.turns.Submit(turnCtx, turn.Request{
					UserID:    userID,
					PersonaID: msg.PersonaID,
					Text:      msg.Text,
				})
				event := protocol.TurnOutcome{
					Type:       protocol.TypeTurnOutcome,
					TurnID:     out.TurnID,
					Kind:       string(out.Kind),
					Text:       out.Text,
					Reason:     out.Reason,
					TokensUsed: out.TokensUsed,
				}
				select {
				case outbound <- event:
				case <-ctx.Done():
				}
			}(msg)
		case protocol.ClientCancel:
			turnMu.Lock()
			if cancelTurn != nil {
				cancelTurn()
			}
			turnMu.Unlock()
		}
	}

	cancel()
	pending.Wait()
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
