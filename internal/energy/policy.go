package energy

import "time"

// Tier is a coarse LLM model class chosen by the policy.
type Tier string

const (
	TierLarge Tier = "large"
	TierSmall Tier = "small"
)

// Signal is one observation of the grid/solar state.
// Nil fields mean that part of the signal was unavailable.
type Signal struct {
	PriceEUR       *float64
	SolarAvailable *bool
	FetchedAt      time.Time
}

// Policy maps an energy signal to a processing decision and model tier.
//
// It is deliberately fail-open: a broken signal must never block the system,
// so a nil signal (or a signal without a price) yields the permissive answer.
type Policy struct {
	// PriceThresholdEUR is the price below which immediate processing is
	// favorable. Solar availability overrides the price entirely.
	PriceThresholdEUR float64

	// FailOpen controls the answer when the signal is unavailable.
	FailOpen bool
}

// DefaultPolicy mirrors the production defaults (0.70 EUR/kWh, fail-open).
func DefaultPolicy() Policy {
	return Policy{PriceThresholdEUR: 0.70, FailOpen: true}
}

// ShouldProcessNow reports whether new work should be processed immediately.
// Note processing tolerates delay, so expensive energy defers it instead.
func (p Policy) ShouldProcessNow(sig *Signal) bool {
	if sig == nil {
		return p.FailOpen
	}
	if sig.SolarAvailable != nil && *sig.SolarAvailable {
		return true
	}
	if sig.PriceEUR == nil {
		return p.FailOpen
	}
	return *sig.PriceEUR <= p.PriceThresholdEUR
}

// LLMTier returns the model tier to use: large when processing immediately
// is favorable, small otherwise.
func (p Policy) LLMTier(sig *Signal) Tier {
	if p.ShouldProcessNow(sig) {
		return TierLarge
	}
	return TierSmall
}
