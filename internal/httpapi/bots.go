package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fleetctl/fleetctl/internal/provisioning"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/go-chi/chi/v5"
)

// BotsHandler mounts the admin bot create/read/list/actions surface of
// spec.md §6. Every write delegates to the Provisioning Coordinator;
// this package only translates HTTP <-> Go values.
type BotsHandler struct {
	coordinator *provisioning.Coordinator
	bots        *store.BotRepo
}

func NewBotsHandler(coordinator *provisioning.Coordinator, bots *store.BotRepo) *BotsHandler {
	return &BotsHandler{coordinator: coordinator, bots: bots}
}

func (h *BotsHandler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{botID}", h.get)
	r.Post("/{botID}/pause", h.pause)
	r.Post("/{botID}/resume", h.resume)
	r.Post("/{botID}/destroy", h.destroy)
	r.Post("/{botID}/redeploy", h.redeploy)
}

func (h *BotsHandler) ListRoutes(r chi.Router) {
	r.Get("/{accountID}/bots", h.list)
}

type createBotRequest struct {
	AccountID           string                    `json:"account_id" validate:"required"`
	Name                string                    `json:"name" validate:"required"`
	Persona             string                    `json:"persona" validate:"required"`
	TradingConfig       json.RawMessage           `json:"trading_config"`
	Risk                provisioning.RiskConfig   `json:"risk"`
	SecretProviderLabel string                    `json:"secret_provider_label" validate:"required"`
	SecretMaterial      string                    `json:"secret_material" validate:"required"`
	PaperMode           bool                      `json:"paper_mode"`
	SignalKnobs         *provisioning.SignalKnobs `json:"signal_knobs,omitempty"`
}

func (h *BotsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	bot, err := h.coordinator.CreateBot(r.Context(), provisioning.Input{
		AccountID: req.AccountID, Name: req.Name, Persona: req.Persona,
		TradingConfig: req.TradingConfig, Risk: req.Risk,
		SecretProviderLabel: req.SecretProviderLabel, SecretMaterial: req.SecretMaterial,
		PaperMode: req.PaperMode, SignalKnobs: req.SignalKnobs,
	})
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusCreated, bot)
}

func (h *BotsHandler) get(w http.ResponseWriter, r *http.Request) {
	bot, err := h.bots.GetByID(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bot)
}

func (h *BotsHandler) list(w http.ResponseWriter, r *http.Request) {
	page := paginationFromQuery(r)
	bots, err := h.bots.ListByAccount(r.Context(), chi.URLParam(r, "accountID"), page)
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bots)
}

func (h *BotsHandler) pause(w http.ResponseWriter, r *http.Request) {
	bot, err := h.coordinator.Pause(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bot)
}

func (h *BotsHandler) resume(w http.ResponseWriter, r *http.Request) {
	bot, err := h.coordinator.Resume(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bot)
}

func (h *BotsHandler) destroy(w http.ResponseWriter, r *http.Request) {
	bot, err := h.coordinator.Destroy(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bot)
}

// redeployRequest carries the same shape as bot creation, since
// redeploy re-derives a full config version for the replacement VM.
type redeployRequest struct {
	TradingConfig       json.RawMessage           `json:"trading_config"`
	Risk                provisioning.RiskConfig   `json:"risk"`
	SecretProviderLabel string                    `json:"secret_provider_label" validate:"required"`
	SecretMaterial      string                    `json:"secret_material" validate:"required"`
	PaperMode           bool                      `json:"paper_mode"`
	SignalKnobs         *provisioning.SignalKnobs `json:"signal_knobs,omitempty"`
}

func (h *BotsHandler) redeploy(w http.ResponseWriter, r *http.Request) {
	var req redeployRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	bot, err := h.coordinator.Redeploy(r.Context(), chi.URLParam(r, "botID"), provisioning.Input{
		TradingConfig: req.TradingConfig, Risk: req.Risk,
		SecretProviderLabel: req.SecretProviderLabel, SecretMaterial: req.SecretMaterial,
		PaperMode: req.PaperMode, SignalKnobs: req.SignalKnobs,
	})
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, bot)
}

func paginationFromQuery(r *http.Request) store.Pagination {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return store.Pagination{Limit: limit, Offset: offset}
}
