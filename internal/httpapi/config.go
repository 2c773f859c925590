package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fleetctl/fleetctl/internal/reconcile"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/go-chi/chi/v5"
)

// ConfigHandler mounts the admin config read/create surface of spec.md
// §6 — creating a new config version for an existing bot, and listing
// the version history (secrets redacted; only the agent-facing pull
// endpoint in internal/agentapi ever returns decrypted secrets).
type ConfigHandler struct {
	reconciler *reconcile.Reconciler
	configs    *store.ConfigRepo
}

func NewConfigHandler(reconciler *reconcile.Reconciler, configs *store.ConfigRepo) *ConfigHandler {
	return &ConfigHandler{reconciler: reconciler, configs: configs}
}

func (h *ConfigHandler) Routes(r chi.Router) {
	r.Post("/{botID}/configs", h.create)
	r.Get("/{botID}/configs", h.list)
}

type createConfigRequest struct {
	TradingConfig       json.RawMessage      `json:"trading_config"`
	Risk                reconcile.RiskConfig `json:"risk"`
	SecretProviderLabel string               `json:"secret_provider_label" validate:"required"`
	SecretMaterial      string               `json:"secret_material" validate:"required"`
}

func (h *ConfigHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	cv, err := h.reconciler.CreateConfigForBot(r.Context(), chi.URLParam(r, "botID"), reconcile.NewConfigInput{
		TradingConfig: req.TradingConfig, Risk: req.Risk,
		SecretProviderLabel: req.SecretProviderLabel, SecretMaterial: req.SecretMaterial,
	})
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusCreated, redactedConfigView(cv))
}

func (h *ConfigHandler) list(w http.ResponseWriter, r *http.Request) {
	versions, err := h.configs.ListByBot(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	views := make([]configView, len(versions))
	for i, cv := range versions {
		views[i] = redactedConfigView(cv)
	}
	Respond(w, http.StatusOK, views)
}

// configView omits encrypted_secrets from the admin-facing response —
// the admin surface manages secret references, not ciphertext, and the
// ciphertext is of no use to an operator anyway.
type configView struct {
	ID                  string          `json:"id"`
	BotID               string          `json:"bot_id"`
	Version             int             `json:"version"`
	TradingConfig       json.RawMessage `json:"trading_config"`
	RiskConfig          json.RawMessage `json:"risk_config"`
	SecretProviderLabel string          `json:"secret_provider_label"`
}

func redactedConfigView(cv store.ConfigVersion) configView {
	return configView{
		ID: cv.ID, BotID: cv.BotID, Version: cv.Version,
		TradingConfig: cv.TradingConfig, RiskConfig: cv.RiskConfig,
		SecretProviderLabel: cv.SecretProviderLabel,
	}
}
