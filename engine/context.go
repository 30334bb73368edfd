// Package engine ties the entitlement and redemption components together.
// Each sub-package owns one concern: tier resolution, reward pricing, the
// Claims ledger, gifting, and slot selections. The hosting application
// constructs the engines once and passes a MemberContext per call; the engine
// never reads ambient member state.
package engine

import (
	"github.com/google/uuid"

	"rewardshub/engine/tier"
)

// MemberContext is the per-call snapshot of the acting member. Callers build
// it from the member's locked position at request time and rebuild it after
// any mutating call.
type MemberContext struct {
	MemberID uuid.UUID
	TierName string
}

// NewMemberContext resolves the member's tier from their locked balance.
func NewMemberContext(memberID uuid.UUID, totalLocked int64, ladder *tier.Ladder) MemberContext {
	res := ladder.Resolve(totalLocked)
	return MemberContext{MemberID: memberID, TierName: res.Tier.Name}
}
