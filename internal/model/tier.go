// Package model defines the core domain types shared across the fulfillment
// engine: product tiers, payment rails, analysis sessions, and results.
package model

import (
	"fmt"
	"strings"
)

// Tier identifies a product tier. Each tier maps to a generation plan with a
// fixed number of sequential stages.
type Tier string

const (
	// TierBasic is a single-shot analysis.
	TierBasic Tier = "basic"
	// TierStandard is a two-stage analysis; the second stage builds on the first.
	TierStandard Tier = "standard"
	// TierFull is the six-stage analysis with an aggregated markdown artifact.
	TierFull Tier = "full"
)

// ParseTier converts a string into a known Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierBasic:
		return TierBasic, nil
	case TierStandard:
		return TierStandard, nil
	case TierFull:
		return TierFull, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierStandard || t == TierFull
}
