// Package agentapi implements the bot-agent wire protocol of spec.md
// §4.3.1/§6: register, config pull, config ack, and heartbeat, each
// authenticated per bot by comparing sha256(presented token) against
// the bot's stored registration_token_digest. It is the observable
// product of the Lifecycle Reconciler, not a separate business layer —
// every handler here is a thin adapter over internal/reconcile and
// internal/store.
package agentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/fleetctl/fleetctl/internal/httpapi"
	"github.com/fleetctl/fleetctl/internal/provisioning"
	"github.com/fleetctl/fleetctl/internal/reconcile"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler mounts the four bot-facing endpoints.
type Handler struct {
	bots       *store.BotRepo
	reconciler *reconcile.Reconciler
}

func NewHandler(bots *store.BotRepo, reconciler *reconcile.Reconciler) *Handler {
	return &Handler{bots: bots, reconciler: reconciler}
}

// Routes mounts the bot-agent surface under r, where r is already
// scoped to "/bot". Every route reads {botID} from the path and
// verifies the bearer token itself — a single bot's credential only
// ever grants access to that bot's own path, so per-bot auth lives at
// the handler level rather than a blanket middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.register)
	r.Get("/{botID}/config", h.pullConfig)
	r.Post("/{botID}/config_ack", h.ackConfig)
	r.Post("/{botID}/heartbeat", h.heartbeat)
}

// authenticate loads the bot and verifies the presented bearer token
// against its stored digest — spec.md §6: "missing/invalid/mismatched
// token -> 401 regardless of other state". A bot that does not exist
// and a wrong token are deliberately indistinguishable in the response,
// so a guess at a bot id reveals nothing about its existence.
func (h *Handler) authenticate(ctx context.Context, botID string, r *http.Request) (store.Bot, error) {
	presented := httpapi.BearerToken(r)
	if presented == "" {
		return store.Bot{}, apperr.New(apperr.Unauthorized, "missing bearer token")
	}
	bot, err := h.bots.GetByIDWithTokenDigest(ctx, botID)
	if err != nil {
		return store.Bot{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	if provisioning.DigestOf(presented) != bot.RegistrationTokenDigest {
		return store.Bot{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	return bot, nil
}

// registerRequest carries only the bot id: the guest's user-data
// already knows it, and the token is the credential, not a body field.
type registerRequest struct {
	BotID string `json:"bot_id"`
}

// register is idempotent: a bearer token that already matches the
// bot's stored digest always succeeds, whether this is the guest's
// first handshake or a restart replaying the same call. A successful
// handshake is also the control plane's only signal that the guest
// booted and authenticated, so it is what flips provisioning -> online;
// every other status is left alone (including one register mid-pause
// or mid-error, which changes nothing but still answers 200).
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, string(apperr.Validation), "bot_id is required")
		return
	}

	bot, err := h.authenticate(r.Context(), req.BotID, r)
	if err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}

	if bot.Status == store.BotProvisioning {
		if err := h.bots.UpdateStatus(r.Context(), bot.ID, store.BotOnline); err != nil {
			httpapi.RespondAppError(w, r, err)
			return
		}
		bot.Status = store.BotOnline
	}

	httpapi.Respond(w, http.StatusOK, map[string]string{"status": "registered"})
}

// desiredConfigResponse is the wire shape for a config pull — the only
// bot-agent response that carries decrypted secret material.
type desiredConfigResponse struct {
	ConfigID      string          `json:"config_id"`
	Version       int             `json:"version"`
	TradingConfig json.RawMessage `json:"trading_config"`
	RiskConfig    json.RawMessage `json:"risk_config"`
	Secret        string          `json:"secret"`
}

func (h *Handler) pullConfig(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if _, err := h.authenticate(r.Context(), botID, r); err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}

	cfg, err := h.reconciler.ServeDesiredConfig(r.Context(), botID)
	if err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}

	httpapi.Respond(w, http.StatusOK, desiredConfigResponse{
		ConfigID: cfg.ConfigID, Version: cfg.Version,
		TradingConfig: cfg.TradingConfig, RiskConfig: cfg.RiskConfig,
		Secret: cfg.SecretPlain,
	})
}

type ackRequest struct {
	ConfigID string `json:"config_id"`
}

func (h *Handler) ackConfig(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if _, err := h.authenticate(r.Context(), botID, r); err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConfigID == "" {
		httpapi.RespondError(w, http.StatusBadRequest, string(apperr.Validation), "config_id is required")
		return
	}

	if err := h.reconciler.AcknowledgeConfig(r.Context(), botID, req.ConfigID); err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}
	httpapi.Respond(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if _, err := h.authenticate(r.Context(), botID, r); err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}

	if err := h.reconciler.Heartbeat(r.Context(), botID, time.Now()); err != nil {
		httpapi.RespondAppError(w, r, err)
		return
	}
	httpapi.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
