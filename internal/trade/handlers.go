package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/challenge"
	"github.com/tduel/trade-engine/internal/ledger"
	"github.com/tduel/trade-engine/internal/metrics"
	"github.com/tduel/trade-engine/internal/model"
)

// SettingsRequest carries challenge settings in request bodies. A zero
// starting balance falls back to the configured default.
type SettingsRequest struct {
	StartingBalance decimal.Decimal  `json:"starting_balance"`
	ProfitTarget    *decimal.Decimal `json:"profit_target,omitempty"`
	LossLimit       *decimal.Decimal `json:"loss_limit,omitempty"`
	DurationMinutes int              `json:"duration_minutes,omitempty"`
}

func (r SettingsRequest) settings(defaultBalance decimal.Decimal) model.ChallengeSettings {
	balance := r.StartingBalance
	if balance.IsZero() {
		balance = defaultBalance
	}
	return model.ChallengeSettings{
		StartingBalance: balance,
		ProfitTarget:    r.ProfitTarget,
		LossLimit:       r.LossLimit,
		Duration:        time.Duration(r.DurationMinutes) * time.Minute,
	}
}

// OpenSessionRequest starts or resumes a session.
type OpenSessionRequest struct {
	Participant string           `json:"participant"`
	Mode        string           `json:"mode"`
	Settings    *SettingsRequest `json:"settings,omitempty"`
}

// OrderRequest places a market order against a session.
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// StartChallengeRequest activates the session's challenge. Counterparty is
// the opponent address in a duel or the group name in a battle; Prizes is the
// battle prize split.
type StartChallengeRequest struct {
	Counterparty string            `json:"counterparty"`
	Wager        decimal.Decimal   `json:"wager"`
	Prizes       []decimal.Decimal `json:"prizes,omitempty"`
}

// SessionResponse is the full session snapshot plus challenge state.
type SessionResponse struct {
	Session   model.Session    `json:"session"`
	Challenge challenge.Status `json:"challenge"`
}

// OrderResponse is the executed trade plus the resulting session state.
type OrderResponse struct {
	Trade   model.Trade   `json:"trade"`
	Session model.Session `json:"session"`
}

// Routes mounts the trading API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/quotes", s.handleQuotes)
	r.Get("/leaderboard", s.handleLeaderboard)
	r.Post("/sessions", s.handleOpenSession)
	r.Route("/sessions/{participant}/{mode}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/orders", s.handlePlaceOrder)
		r.Put("/settings", s.handleSaveSettings)
		r.Post("/challenge", s.handleStartChallenge)
		r.Post("/end", s.handleEndSession)
		r.Post("/reset", s.handleResetSession)
	})
	r.Get("/ws", s.hub.HandleWS)
}

func (s *Service) handleQuotes(w http.ResponseWriter, _ *http.Request) {
	quotes := make(map[model.Instrument]model.Quote)
	for _, in := range model.Instruments() {
		if q := s.feed.Latest(in); !q.IsZero() {
			quotes[in] = q
		}
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Standings())
}

func (s *Service) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var settings SettingsRequest
	if req.Settings != nil {
		settings = *req.Settings
	}
	ms, err := s.Open(r.Context(), req.Participant, mode, settings.settings(s.defaultBalance))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.findFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.findFromRequest(w, r)
	if !ok {
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instrument, err := model.ParseInstrument(req.Instrument)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("unknown_instrument").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid_side").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	trade, err := ms.ledger.Execute(instrument, side, req.Quantity, s.feed.Latest)
	if err != nil {
		status, reason := rejection(err)
		metrics.OrdersRejected.WithLabelValues(reason).Inc()
		writeError(w, status, err.Error())
		return
	}
	metrics.OrdersExecuted.WithLabelValues(string(side)).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())

	snap := ms.ledger.Snapshot()
	s.mirror.TradeCommitted(snap, trade)
	s.evaluatorOf(ms).Evaluate(snap.PnL, time.Now())
	if snap.Mode != model.ModeSolo {
		s.board.Upsert(snap.Participant, "", snap.PnL, snap.PnLPercent)
	}
	s.hub.Broadcast(WSMessage{
		Type:        "session_update",
		SessionID:   snap.ID,
		Participant: snap.Participant,
		Mode:        string(snap.Mode),
		PnL:         snap.PnL.String(),
		PnLPercent:  snap.PnLPercent.String(),
	})
	slog.Info("order executed",
		"session", snap.ID,
		"instrument", instrument,
		"side", side,
		"quantity", req.Quantity,
		"price", trade.Price)

	// Re-snapshot: the evaluator may have just ended the session.
	writeJSON(w, http.StatusOK, OrderResponse{Trade: trade, Session: ms.ledger.Snapshot()})
}

func (s *Service) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.findFromRequest(w, r)
	if !ok {
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.SaveSettings(ms, req.settings(s.defaultBalance)); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, challenge.ErrNotPending) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) handleStartChallenge(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.findFromRequest(w, r)
	if !ok {
		return
	}

	var req StartChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.StartChallenge(ms, req.Counterparty, req.Wager, req.Prizes); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, challenge.ErrNotPending) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ms, ok := s.findFromRequest(w, r)
	if !ok {
		return
	}
	s.evaluatorOf(ms).End()
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) handleResetSession(w http.ResponseWriter, r *http.Request) {
	participant, mode, ok := pathIdentity(w, r)
	if !ok {
		return
	}

	var req SettingsRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ms, err := s.Reset(r.Context(), participant, mode, req.settings(s.defaultBalance))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(ms))
}

func (s *Service) sessionResponse(ms *managedSession) SessionResponse {
	return SessionResponse{
		Session:   ms.ledger.Snapshot(),
		Challenge: s.evaluatorOf(ms).Status(time.Now()),
	}
}

func (s *Service) evaluatorOf(ms *managedSession) *challenge.Evaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ms.evaluator
}

func (s *Service) findFromRequest(w http.ResponseWriter, r *http.Request) (*managedSession, bool) {
	participant, mode, ok := pathIdentity(w, r)
	if !ok {
		return nil, false
	}
	ms, ok := s.find(participant, mode)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return ms, true
}

func pathIdentity(w http.ResponseWriter, r *http.Request) (string, model.Mode, bool) {
	participant := chi.URLParam(r, "participant")
	if participant == "" {
		writeError(w, http.StatusBadRequest, "participant is required")
		return "", "", false
	}
	mode, err := model.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return participant, mode, true
}

// rejection maps an execution error to an HTTP status and a metrics label.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNonPositiveQuantity):
		return http.StatusBadRequest, "non_positive_quantity"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientPosition):
		return http.StatusConflict, "insufficient_position"
	case errors.Is(err, ledger.ErrNoPrice):
		return http.StatusConflict, "no_price"
	case errors.Is(err, ledger.ErrSessionEnded):
		return http.StatusConflict, "session_ended"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
