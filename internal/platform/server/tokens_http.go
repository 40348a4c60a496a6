package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/evidence"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/ratelimit"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/risk"
)

const maxBodyBytes = 1 << 20

const agentKeyHeader = "X-Agent-Key"

// TokenHandler exposes the mint and redeem operations over JSON.
type TokenHandler struct {
	Service  *TokenService
	Agents   *auth.AgentCredentials
	Metrics  *Metrics
	Log      zerolog.Logger
	Sanitize bool
}

func NewTokenHandler(svc *TokenService, agents *auth.AgentCredentials, m *Metrics, log zerolog.Logger, sanitize bool) *TokenHandler {
	return &TokenHandler{
		Service:  svc,
		Agents:   agents,
		Metrics:  m,
		Log:      logging.Component(log, "token_handler"),
		Sanitize: sanitize,
	}
}

func (h *TokenHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tokens", h.Mint)
	mux.HandleFunc("POST /tokens/redeem", h.Redeem)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fail(KindInvalidArgument, "malformed request body")
	}
	// Trailing garbage after the object is rejected too.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fail(KindInvalidArgument, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type mintRequest struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
}

type mintData struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	ExpiresAt string `json:"expiresAt"`
}

type mintResponse struct {
	Success bool     `json:"success"`
	Data    mintData `json:"data"`
}

// Mint issues a token for the requested account. The response is the only
// place the plaintext ever appears.
func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID(r), err, h.Sanitize)
		return
	}

	// A bearer-bound account may only mint for itself.
	if caller, ok := auth.AccountFromContext(r.Context()); ok && caller != req.AccountID {
		writeError(w, requestID(r), fail(KindForbidden, "account mismatch"), h.Sanitize)
		return
	}

	res, err := h.Service.Mint(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		h.logFailure(r, "mint failed", err)
		writeError(w, requestID(r), err, h.Sanitize)
		return
	}

	writeJSON(w, http.StatusCreated, mintResponse{
		Success: true,
		Data: mintData{
			ID:        res.ID,
			Token:     res.Plaintext,
			Amount:    res.Amount,
			ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}

type redeemRequest struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId"`
	AgentID   string `json:"agentId"`
	// Metadata is open-ended; ip, deviceId and location feed the risk
	// engine, everything else rides along onto the attempt row.
	Metadata map[string]string `json:"metadata"`
}

type redeemResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
}

type riskRefusal struct {
	Message    string   `json:"message"`
	StatusCode int      `json:"statusCode"`
	RequestID  string   `json:"requestId"`
	Decision   string   `json:"decision"`
	Reasons    []string `json:"reasons"`
}

// Redeem settles a presented token: agent authentication, risk screening,
// then the atomic redemption.
func (h *TokenHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID(r), err, h.Sanitize)
		return
	}
	if _, err := uuid.Parse(req.AccountID); err != nil {
		writeError(w, requestID(r), fail(KindInvalidArgument, "accountId must be a uuid"), h.Sanitize)
		return
	}
	if req.AgentID == "" {
		writeError(w, requestID(r), fail(KindInvalidArgument, "agentId is required"), h.Sanitize)
		return
	}
	if !h.Agents.Verify(req.AgentID, r.Header.Get(agentKeyHeader)) {
		h.Log.Warn().
			Str("event_type", logging.EventSecurity).
			Str("request_id", requestID(r)).
			Str("agent_id", req.AgentID).
			Msg("agent credential rejected")
		writeError(w, requestID(r), fail(KindUnauthorized, "invalid agent credentials"), h.Sanitize)
		return
	}

	metaMap := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metaMap[k] = v
	}
	if metaMap["ip"] == "" {
		metaMap["ip"] = ratelimit.ClientIP(r)
	}

	// Malformed plaintext short-circuits before any storage or risk work.
	tokenID, accountID, amount, found, err := h.Service.ResolveToken(r.Context(), req.Token)
	if err != nil {
		h.logFailure(r, "token resolution failed", err)
		writeError(w, requestID(r), err, h.Sanitize)
		return
	}

	if found {
		rc, err := h.Service.GatherRiskContext(r.Context(), accountID, amount)
		if err != nil {
			h.logFailure(r, "risk context gathering failed", err)
			writeError(w, requestID(r), err, h.Sanitize)
			return
		}
		assessment := risk.Evaluate(rc, risk.Metadata{
			IP:       metaMap["ip"],
			DeviceID: metaMap["deviceId"],
			Location: metaMap["location"],
		})
		h.Metrics.ObserveRiskDecision(assessment.Decision)
		if assessment.Decision != risk.DecisionApprove {
			result := evidence.OutcomeRejectedByRisk
			if assessment.Decision == risk.DecisionChallenge {
				result = evidence.OutcomeChallenged
			}
			if err := h.Service.RecordScreenedAttempt(r.Context(), req.Token, req.AgentID, result, metaMap); err != nil {
				h.logFailure(r, "screened attempt recording failed", err)
				writeError(w, requestID(r), err, h.Sanitize)
				return
			}
			h.Log.Warn().
				Str("event_type", logging.EventSecurity).
				Str("request_id", requestID(r)).
				Str("agent_id", req.AgentID).
				Str("token_id", tokenID).
				Str("decision", string(assessment.Decision)).
				Float64("score", assessment.Score).
				Strs("reasons", assessment.Reasons).
				Msg("redemption blocked by risk screening")
			writeJSON(w, http.StatusForbidden, map[string]riskRefusal{"error": {
				Message:    "redemption blocked by risk screening",
				StatusCode: http.StatusForbidden,
				RequestID:  requestID(r),
				Decision:   string(assessment.Decision),
				Reasons:    assessment.Reasons,
			}})
			return
		}
	}

	res, err := h.Service.Redeem(r.Context(), req.Token, req.AgentID, metaMap)
	if err != nil {
		h.logFailure(r, "redemption failed", err)
		writeError(w, requestID(r), err, h.Sanitize)
		return
	}

	switch res.Outcome {
	case RedeemSuccess:
		writeJSON(w, http.StatusOK, redeemResponse{
			Success:       true,
			Message:       "withdrawal authorized",
			TransactionID: res.TransactionID,
		})
	case RedeemExpiredOrUsed:
		writeError(w, requestID(r), fail(KindConflict, "token already used or expired"), h.Sanitize)
	default:
		writeError(w, requestID(r), fail(KindInvalidArgument, "invalid token"), h.Sanitize)
	}
}

func (h *TokenHandler) logFailure(r *http.Request, msg string, err error) {
	h.Log.Error().
		Str("event_type", logging.EventError).
		Str("request_id", requestID(r)).
		Str("route", r.URL.Path).
		Err(err).
		Msg(msg)
}
