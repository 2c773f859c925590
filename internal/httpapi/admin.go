package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// MountAdmin wires the admin surface of spec.md §6 under r, gated by a
// single shared bearer token. Route layout:
//
//	POST   /admin/accounts
//	GET    /admin/accounts/{accountID}
//	PATCH  /admin/accounts/{accountID}/tier
//	GET    /admin/accounts/{accountID}/bots
//	POST   /admin/bots
//	GET    /admin/bots/{botID}
//	POST   /admin/bots/{botID}/pause|resume|destroy|redeploy
//	POST   /admin/bots/{botID}/configs
//	GET    /admin/bots/{botID}/configs
func MountAdmin(r chi.Router, adminToken string, accounts *AccountsHandler, bots *BotsHandler, configs *ConfigHandler) {
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(AdminAuth(adminToken))

		admin.Route("/accounts", func(ar chi.Router) {
			accounts.Routes(ar)
			bots.ListRoutes(ar)
		})

		admin.Route("/bots", func(br chi.Router) {
			bots.Routes(br)
			configs.Routes(br)
		})
	})
}
