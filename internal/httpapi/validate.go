package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/go-playground/validator/v10"
)

// validate is a single shared validator instance, the idiom the
// library itself recommends: struct-tag reflection is cached per type
// on first use, so one instance amortizes that cost across every
// decodeAndValidate call in the process.
var validate = validator.New()

// decodeAndValidate decodes r's JSON body into dst and applies its
// `validate` struct tags, writing a 400 response itself on either
// failure. Returns false when the request has already been answered.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.Validation), "malformed JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var details []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details = append(details, strings.ToLower(fe.Field())+" failed "+fe.Tag())
			}
		}
		RespondError(w, http.StatusBadRequest, string(apperr.Validation), "the request failed validation", details...)
		return false
	}
	return true
}
