package httpapi

import (
	"net/http"

	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/go-chi/chi/v5"
)

// AccountsHandler mounts the admin accounts CRUD surface of spec.md §6.
type AccountsHandler struct {
	accounts *store.AccountRepo
}

func NewAccountsHandler(accounts *store.AccountRepo) *AccountsHandler {
	return &AccountsHandler{accounts: accounts}
}

func (h *AccountsHandler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{accountID}", h.get)
	r.Patch("/{accountID}/tier", h.updateTier)
}

type createAccountRequest struct {
	ExternalID string     `json:"external_id" validate:"required"`
	Tier       store.Tier `json:"tier" validate:"required,oneof=free basic pro"`
}

func (h *AccountsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	account, err := h.accounts.Create(r.Context(), req.ExternalID, req.Tier)
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusCreated, account)
}

func (h *AccountsHandler) get(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetByID(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, account)
}

type updateTierRequest struct {
	Tier store.Tier `json:"tier" validate:"required,oneof=free basic pro"`
}

func (h *AccountsHandler) updateTier(w http.ResponseWriter, r *http.Request) {
	var req updateTierRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	account, err := h.accounts.UpdateSubscription(r.Context(), chi.URLParam(r, "accountID"), req.Tier)
	if err != nil {
		RespondAppError(w, r, err)
		return
	}
	Respond(w, http.StatusOK, account)
}
