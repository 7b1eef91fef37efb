package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/fulfill"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/store"
	"github.com/sells-group/fulfillment-engine/internal/webhook"
)

const maxWebhookBody = 1 << 20

// buildRouter assembles the HTTP surface. baseCtx outlives individual
// requests: accepted fulfillments run on it so an early client disconnect
// cannot cancel paid generation work.
func buildRouter(baseCtx context.Context, env *engineEnv, stripeSecret, coinbaseSecret string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/sessions", func(w http.ResponseWriter, req *http.Request) {
		handleCreateSession(w, req, env)
	})
	r.Get("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		handleGetSession(w, req, env)
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		handleVerify(baseCtx, w, req, env)
	})
	r.Post("/webhook/stripe", func(w http.ResponseWriter, req *http.Request) {
		handleStripeWebhook(baseCtx, w, req, env, stripeSecret)
	})
	r.Post("/webhook/coinbase", func(w http.ResponseWriter, req *http.Request) {
		handleCoinbaseWebhook(baseCtx, w, req, env, coinbaseSecret)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleCreateSession(w http.ResponseWriter, r *http.Request, env *engineEnv) {
	var req struct {
		Tier             string `json:"tier"`
		ProblemStatement string `json:"problem_statement"`
		Reference        string `json:"reference"`
		Payer            string `json:"payer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProblemStatement == "" {
		writeError(w, http.StatusBadRequest, "problem_statement is required")
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	sess, err := env.Store.CreateSession(r.Context(), store.NewSession{
		Tier:             tier,
		ProblemStatement: req.ProblemStatement,
		Reference:        req.Reference,
		Payer:            req.Payer,
	})
	if err != nil {
		zap.L().Error("create session failed", zap.Error(err))
		writeError(w, http.StatusConflict, "could not create session; reference may already be registered")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func handleGetSession(w http.ResponseWriter, r *http.Request, env *engineEnv) {
	id := chi.URLParam(r, "id")
	sess, err := env.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	resp := map[string]any{"session": sess}
	if result, err := env.Store.GetResult(r.Context(), id); err == nil && result != nil {
		resp["result"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleVerify(baseCtx context.Context, w http.ResponseWriter, r *http.Request, env *engineEnv) {
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TxHash == "" {
		writeError(w, http.StatusBadRequest, "tx_hash is required")
		return
	}

	dispatch(baseCtx, w, r.Context(), env, model.RailOnChain, req.TxHash, nil)
}

func handleStripeWebhook(baseCtx context.Context, w http.ResponseWriter, r *http.Request, env *engineEnv, secret string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	ev, err := webhook.ParseStripeEvent(payload, r.Header.Get("Stripe-Signature"), secret)
	if err != nil {
		zap.L().Warn("stripe webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "signature verification failed")
		return
	}
	if !ev.CheckoutCompleted() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "type": ev.Type})
		return
	}

	fresh, err := env.Guard.TryMarkProcessed(r.Context(), "stripe", ev.ID, ev.Type)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay check failed")
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate_event", "event_id": ev.ID})
		return
	}

	dispatch(baseCtx, w, r.Context(), env, model.RailStripe, ev.SessionID, func(ctx context.Context) error {
		return env.Guard.Unmark(ctx, "stripe", ev.ID)
	})
}

func handleCoinbaseWebhook(baseCtx context.Context, w http.ResponseWriter, r *http.Request, env *engineEnv, secret string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	ev, err := webhook.ParseCoinbaseEvent(payload, r.Header.Get("X-CC-Webhook-Signature"), secret)
	if err != nil {
		if errors.Is(err, webhook.ErrBadCoinbaseSignature) {
			zap.L().Warn("coinbase webhook rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "signature verification failed")
			return
		}
		writeError(w, http.StatusBadRequest, "could not decode event")
		return
	}
	if !ev.ChargeConfirmed() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "type": ev.Type})
		return
	}

	fresh, err := env.Guard.TryMarkProcessed(r.Context(), "coinbase", ev.ID, ev.Type)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay check failed")
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate_event", "event_id": ev.ID})
		return
	}

	dispatch(baseCtx, w, r.Context(), env, model.RailCoinbase, ev.ChargeID, func(ctx context.Context) error {
		return env.Guard.Unmark(ctx, "coinbase", ev.ID)
	})
}

// dispatch claims and verifies synchronously, then runs generation in the
// background so providers get their acknowledgment within the delivery
// timeout. undo, when non-nil, rolls back the caller's replay-guard receipt
// if Begin fails before any fulfillment side effect, so the provider's retry
// of the same event is not swallowed as a duplicate.
func dispatch(baseCtx context.Context, w http.ResponseWriter, reqCtx context.Context, env *engineEnv, rail model.PaymentRail, raw string, undo func(context.Context) error) {
	res, pending, err := env.Orchestrator.Begin(reqCtx, rail, raw)
	if err != nil {
		zap.L().Error("fulfillment begin failed", zap.String("rail", rail.String()), zap.Error(err))
		if undo != nil {
			if undoErr := undo(reqCtx); undoErr != nil {
				zap.L().Error("failed to clear webhook receipt", zap.Error(undoErr))
			}
		}
		writeError(w, http.StatusInternalServerError, "verification unavailable, delivery will be retried")
		return
	}

	switch res.Status {
	case fulfill.StatusDuplicate:
		writeJSON(w, http.StatusOK, res)
	case fulfill.StatusRejected:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case fulfill.StatusAccepted:
		go func() {
			if _, err := env.Orchestrator.Finish(baseCtx, pending); err != nil {
				zap.L().Error("fulfillment failed",
					zap.String("reference", res.Reference),
					zap.String("session_id", res.SessionID),
					zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeError(w, http.StatusInternalServerError, "unexpected fulfillment state")
	}
}
