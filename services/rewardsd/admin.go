package rewardsd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"karmachain/native/rewards"
	"karmachain/services/rewardsd/store"
)

// Server exposes the event intake and admin surface over HTTP.
type Server struct {
	orch       *Orchestrator
	auth       *Authenticator
	limiter    *RateLimiter
	logger     *slog.Logger
	pendingAge time.Duration
	router     chi.Router
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Orchestrator *Orchestrator
	Auth         *Authenticator
	RateLimit    RateLimit
	Logger       *slog.Logger
	// PendingAge is how long a pending attempt may sit before the unsettled
	// listing reports it.
	PendingAge time.Duration
}

// NewServer validates the wiring and builds the route table.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("rewardsd: orchestrator required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("rewardsd: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pendingAge := cfg.PendingAge
	if pendingAge <= 0 {
		pendingAge = 10 * time.Minute
	}
	s := &Server{
		orch:       cfg.Orchestrator,
		auth:       cfg.Auth,
		limiter:    NewRateLimiter(cfg.RateLimit),
		logger:     logger,
		pendingAge: pendingAge,
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/answer-accepted", s.handleAnswerAccepted)
		r.Post("/upvote-threshold", s.handleUpvoteThreshold)
		r.Post("/special-contribution", s.handleSpecialContribution)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/attempts/unsettled", s.handleUnsettled)
		r.Post("/attempts/{id}/resubmit", s.handleResubmit)
		r.Post("/batch", s.handleBatch)
		r.Get("/config", s.handleConfigGet)
		r.Put("/config", s.handleConfigPut)
		r.Post("/pause", s.handlePause)
		r.Post("/unpause", s.handleUnpause)
		r.Post("/roles/grant", s.handleRoleGrant)
		r.Post("/roles/revoke", s.handleRoleRevoke)
		r.Get("/status", s.handleStatus)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type answerAcceptedPayload struct {
	AnswerID   string `json:"answer_id"`
	Answerer   string `json:"answerer"`
	QuestionID string `json:"question_id"`
	Asker      string `json:"asker"`
}

func (s *Server) handleAnswerAccepted(w http.ResponseWriter, r *http.Request) {
	var payload answerAcceptedPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.AnswerID) == "" || strings.TrimSpace(payload.QuestionID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("answer_id and question_id required"))
		return
	}
	answerer, err := ParseAddress(payload.Answerer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asker, err := ParseAddress(payload.Asker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.orch.SettleAcceptedAnswer(r.Context(), AnswerAccepted{
		AnswerID:   payload.AnswerID,
		Answerer:   answerer,
		QuestionID: payload.QuestionID,
		Asker:      asker,
	})
	if err != nil {
		s.logger.Error("settle accepted answer", "answer_id", payload.AnswerID, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("settlement unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type upvoteThresholdPayload struct {
	AnswerID string `json:"answer_id"`
	Answerer string `json:"answerer"`
}

func (s *Server) handleUpvoteThreshold(w http.ResponseWriter, r *http.Request) {
	var payload upvoteThresholdPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.AnswerID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("answer_id required"))
		return
	}
	answerer, err := ParseAddress(payload.Answerer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.orch.SettleUpvoteThreshold(r.Context(), UpvoteThresholdCrossed{
		AnswerID: payload.AnswerID,
		Answerer: answerer,
	})
	if err != nil {
		s.logger.Error("settle upvote threshold", "answer_id", payload.AnswerID, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("settlement unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type specialContributionPayload struct {
	Target           string `json:"target"`
	Amount           string `json:"amount"`
	JustificationRef string `json:"justification_ref"`
}

func (s *Server) handleSpecialContribution(w http.ResponseWriter, r *http.Request) {
	var payload specialContributionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.JustificationRef) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("justification_ref required"))
		return
	}
	target, err := ParseAddress(payload.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parsePositiveAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.orch.SettleSpecialContribution(r.Context(), SpecialContributionRequested{
		Target:           target,
		Amount:           amount,
		JustificationRef: payload.JustificationRef,
	})
	if err != nil {
		s.logger.Error("settle special contribution", "ref", payload.JustificationRef, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("settlement unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleUnsettled(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.orch.Unsettled(r.Context(), store.UnsettledFilter{
		PendingOlderThan: s.pendingAge,
	})
	if err != nil {
		s.logger.Error("list unsettled", "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list unsettled attempts"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid attempt id"))
		return
	}
	outcome, err := s.orch.Resubmit(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("resubmit attempt", "attempt_id", attemptID, "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("settlement unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type batchItemPayload struct {
	RewardType string `json:"reward_type"`
	EventID    string `json:"event_id"`
	Recipient  string `json:"recipient"`
}

type batchPayload struct {
	Items []batchItemPayload `json:"items"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var payload batchPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload.Items) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("items required"))
		return
	}
	if len(payload.Items) > rewards.MaxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("batch of %d exceeds cap of %d", len(payload.Items), rewards.MaxBatchSize))
		return
	}
	reqs := make([]SettleRequest, len(payload.Items))
	for i, item := range payload.Items {
		rewardType, err := rewards.ParseRewardType(item.RewardType)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("item %d: %w", i, err))
			return
		}
		recipient, err := ParseAddress(item.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("item %d: %w", i, err))
			return
		}
		if strings.TrimSpace(item.EventID) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("item %d: event_id required", i))
			return
		}
		if rewardType == rewards.SpecialContribution {
			// Special contributions carry admin authority and go through
			// their dedicated endpoint.
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("item %d: special contributions are not batchable", i))
			return
		}
		reqs[i] = SettleRequest{RewardType: rewardType, EventID: item.EventID, Recipient: recipient}
	}
	outcomes, err := s.orch.SettleBatch(r.Context(), reqs)
	if err != nil {
		s.logger.Error("settle batch", "items", len(reqs), "err", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("settlement unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// configPayload is the wire form of the ledger configuration. Amounts travel
// as decimal strings to avoid JSON number precision loss.
type configPayload struct {
	AcceptedAnswerAmount  string `json:"accepted_answer_amount"`
	UpvoteAmount          string `json:"upvote_amount"`
	QuestionerBonusAmount string `json:"questioner_bonus_amount"`
	UpvoteThreshold       uint64 `json:"upvote_threshold"`
	MaxDailyReward        string `json:"max_daily_reward"`
	CooldownSeconds       uint64 `json:"cooldown_seconds"`
	MinSpecial            string `json:"min_special"`
	MaxSpecial            string `json:"max_special"`
}

func configToPayload(cfg *rewards.Config) configPayload {
	normalized := cfg.Clone().Normalize()
	return configPayload{
		AcceptedAnswerAmount:  normalized.AcceptedAnswerAmount.String(),
		UpvoteAmount:          normalized.UpvoteAmount.String(),
		QuestionerBonusAmount: normalized.QuestionerBonusAmount.String(),
		UpvoteThreshold:       normalized.UpvoteThreshold,
		MaxDailyReward:        normalized.MaxDailyReward.String(),
		CooldownSeconds:       normalized.CooldownSeconds,
		MinSpecial:            normalized.MinSpecial.String(),
		MaxSpecial:            normalized.MaxSpecial.String(),
	}
}

func (p configPayload) toConfig() (*rewards.Config, error) {
	cfg := &rewards.Config{
		UpvoteThreshold: p.UpvoteThreshold,
		CooldownSeconds: p.CooldownSeconds,
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"accepted_answer_amount", p.AcceptedAnswerAmount, &cfg.AcceptedAnswerAmount},
		{"upvote_amount", p.UpvoteAmount, &cfg.UpvoteAmount},
		{"questioner_bonus_amount", p.QuestionerBonusAmount, &cfg.QuestionerBonusAmount},
		{"max_daily_reward", p.MaxDailyReward, &cfg.MaxDailyReward},
		{"min_special", p.MinSpecial, &cfg.MinSpecial},
		{"max_special", p.MaxSpecial, &cfg.MaxSpecial},
	} {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(field.raw), 10)
		if !ok {
			return nil, fmt.Errorf("invalid %s %q", field.name, field.raw)
		}
		*field.dst = amount
	}
	return cfg, nil
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.orch.LedgerConfig(r.Context())
	if err != nil {
		s.logger.Error("read ledger config", "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read config"))
		return
	}
	writeJSON(w, http.StatusOK, configToPayload(cfg))
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var payload configPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := payload.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.orch.UpdateLedgerConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, rewards.ErrInvalidConfig) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		if errors.Is(err, rewards.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, err)
			return
		}
		s.logger.Error("update ledger config", "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("update config"))
		return
	}
	writeJSON(w, http.StatusOK, configToPayload(cfg))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(r.Context()); err != nil {
		s.writeAdminError(w, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Unpause(r.Context()); err != nil {
		s.writeAdminError(w, "unpause", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type rolePayload struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *Server) handleRoleGrant(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, s.orch.GrantRole)
}

func (s *Server) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleRoleChange(w, r, s.orch.RevokeRole)
}

func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, role string, addr [20]byte) error) {
	var payload rolePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := ParseAddress(payload.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := apply(r.Context(), payload.Role, addr); err != nil {
		if errors.Is(err, rewards.ErrUnknownRole) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeAdminError(w, "role change", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": payload.Role, "address": FormatAddress(addr)})
}

type statusResponse struct {
	Paused bool          `json:"paused"`
	Totals totalsPayload `json:"totals"`
	Config configPayload `json:"config"`
}

type totalsPayload struct {
	TotalAmount              string `json:"total_amount"`
	Count                    uint64 `json:"count"`
	AcceptedAnswerCount      uint64 `json:"accepted_answer_count"`
	UpvoteThresholdCount     uint64 `json:"upvote_threshold_count"`
	QuestionerBonusCount     uint64 `json:"questioner_bonus_count"`
	SpecialContributionCount uint64 `json:"special_contribution_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paused, err := s.orch.Paused(r.Context())
	if err != nil {
		s.writeAdminError(w, "status", err)
		return
	}
	totals, err := s.orch.Totals(r.Context())
	if err != nil {
		s.writeAdminError(w, "status", err)
		return
	}
	cfg, err := s.orch.LedgerConfig(r.Context())
	if err != nil {
		s.writeAdminError(w, "status", err)
		return
	}
	totals = totals.Normalize()
	writeJSON(w, http.StatusOK, statusResponse{
		Paused: paused,
		Totals: totalsPayload{
			TotalAmount:              totals.TotalAmount.String(),
			Count:                    totals.Count,
			AcceptedAnswerCount:      totals.AcceptedAnswerCount,
			UpvoteThresholdCount:     totals.UpvoteThresholdCount,
			QuestionerBonusCount:     totals.QuestionerBonusCount,
			SpecialContributionCount: totals.SpecialContributionCount,
		},
		Config: configToPayload(cfg),
	})
}

func (s *Server) writeAdminError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, rewards.ErrUnauthorized) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	s.logger.Error(op, "err", err)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("%s failed", op))
}

func parsePositiveAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
