package provisioning

import (
	"fmt"

	"github.com/fleetctl/fleetctl/internal/apperr"
)

// RiskConfig is the structured risk envelope validated per spec.md
// §4.3. Fields are percentages expressed on a 0-100 scale, matching the
// boundary tests in spec.md §8 ("Risk percent = 0 and 100 accepted;
// -0.01 and 100.01 rejected").
type RiskConfig struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxTradesPerDay    int     `json:"max_trades_per_day"`
}

// SignalKnobs are the optional strategy-tuning inputs spec.md §4.3
// groups under "signal_knobs?".
type SignalKnobs struct {
	AssetFocus string `json:"asset_focus"`
	Algorithm  string `json:"algorithm"`
	Strictness string `json:"strictness"`
	Tier       string `json:"tier"`
}

var (
	validPersonas    = set("scalper", "swing", "market_maker", "arbitrage", "trend_follower")
	validAssetFocus  = set("spot", "futures", "options", "mixed", "")
	validAlgorithms  = set("momentum", "mean_reversion", "breakout", "grid", "")
	validStrictness  = set("conservative", "balanced", "aggressive", "")
	validSignalTiers = set("standard", "premium", "")
)

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// Input is what the admin API hands the coordinator before any row
// exists. Name is the raw, pre-sanitization title.
type Input struct {
	AccountID           string
	Name                string
	Persona             string
	TradingConfig       []byte // opaque JSON, passed through
	Risk                RiskConfig
	SecretProviderLabel string
	SecretMaterial      string // cleartext; encrypted before touching storage
	PaperMode           bool
	SignalKnobs         *SignalKnobs
}

// Validate runs every check from spec.md §4.3's "Input validation"
// list and returns every failure at once, not just the first —
// the HTTP shell renders the full list as one 400 response.
func (in Input) Validate() error {
	var problems []string

	if in.AccountID == "" {
		problems = append(problems, "account_id is required")
	}
	if in.Name == "" {
		problems = append(problems, "name is required")
	}
	if _, ok := validPersonas[in.Persona]; !ok {
		problems = append(problems, fmt.Sprintf("persona %q is not a recognized persona", in.Persona))
	}
	if in.SecretProviderLabel == "" {
		problems = append(problems, "secret_provider_label is required")
	}
	if in.SecretMaterial == "" {
		problems = append(problems, "secret_material is required")
	}

	problems = append(problems, validatePercent("risk.max_position_size_pct", in.Risk.MaxPositionSizePct)...)
	problems = append(problems, validatePercent("risk.max_daily_loss_pct", in.Risk.MaxDailyLossPct)...)
	problems = append(problems, validatePercent("risk.max_drawdown_pct", in.Risk.MaxDrawdownPct)...)
	if in.Risk.MaxTradesPerDay < 0 {
		problems = append(problems, "risk.max_trades_per_day must be >= 0")
	}

	if in.SignalKnobs != nil {
		if _, ok := validAssetFocus[in.SignalKnobs.AssetFocus]; !ok {
			problems = append(problems, fmt.Sprintf("asset_focus %q is not recognized", in.SignalKnobs.AssetFocus))
		}
		if _, ok := validAlgorithms[in.SignalKnobs.Algorithm]; !ok {
			problems = append(problems, fmt.Sprintf("algorithm %q is not recognized", in.SignalKnobs.Algorithm))
		}
		if _, ok := validStrictness[in.SignalKnobs.Strictness]; !ok {
			problems = append(problems, fmt.Sprintf("strictness %q is not recognized", in.SignalKnobs.Strictness))
		}
		if _, ok := validSignalTiers[in.SignalKnobs.Tier]; !ok {
			problems = append(problems, fmt.Sprintf("signal_knobs.tier %q is not recognized", in.SignalKnobs.Tier))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidateForRedeploy runs the subset of Validate's checks that apply
// to a redeploy request — account_id, name, and persona are inherited
// from the bot being redeployed rather than resupplied, so they are
// deliberately not re-checked here.
func (in Input) ValidateForRedeploy() error {
	var problems []string

	if in.SecretProviderLabel == "" {
		problems = append(problems, "secret_provider_label is required")
	}
	if in.SecretMaterial == "" {
		problems = append(problems, "secret_material is required")
	}

	problems = append(problems, validatePercent("risk.max_position_size_pct", in.Risk.MaxPositionSizePct)...)
	problems = append(problems, validatePercent("risk.max_daily_loss_pct", in.Risk.MaxDailyLossPct)...)
	problems = append(problems, validatePercent("risk.max_drawdown_pct", in.Risk.MaxDrawdownPct)...)
	if in.Risk.MaxTradesPerDay < 0 {
		problems = append(problems, "risk.max_trades_per_day must be >= 0")
	}

	if in.SignalKnobs != nil {
		if _, ok := validAssetFocus[in.SignalKnobs.AssetFocus]; !ok {
			problems = append(problems, fmt.Sprintf("asset_focus %q is not recognized", in.SignalKnobs.AssetFocus))
		}
		if _, ok := validAlgorithms[in.SignalKnobs.Algorithm]; !ok {
			problems = append(problems, fmt.Sprintf("algorithm %q is not recognized", in.SignalKnobs.Algorithm))
		}
		if _, ok := validStrictness[in.SignalKnobs.Strictness]; !ok {
			problems = append(problems, fmt.Sprintf("strictness %q is not recognized", in.SignalKnobs.Strictness))
		}
		if _, ok := validSignalTiers[in.SignalKnobs.Tier]; !ok {
			problems = append(problems, fmt.Sprintf("signal_knobs.tier %q is not recognized", in.SignalKnobs.Tier))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func validatePercent(field string, v float64) []string {
	if v < 0 || v > 100 {
		return []string{fmt.Sprintf("%s must be within [0, 100], got %v", field, v)}
	}
	return nil
}

// ValidationError carries every failed check so callers can render all
// of them, not just the first. AsAppError adapts it to apperr.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0]
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(e.Problems), e.Problems[0])
}

// Details lets the HTTP shell render every failed check without
// importing this package's concrete type.
func (e *ValidationError) Details() []string { return e.Problems }

// AsAppError adapts ValidationError to the shared taxonomy so the HTTP
// shell only needs to know about apperr.Kind, never this package's type.
func (e *ValidationError) AsAppError() *apperr.Error {
	return apperr.Wrap(apperr.Validation, e, "validation failed")
}
