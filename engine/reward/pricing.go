package reward

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rewardshub/engine/tier"
	"rewardshub/storage"
)

var (
	ErrBadPriceTable = errors.New("reward: invalid tier price table")
)

// TierPriceTable maps ladder tier names to override prices. Zero is a valid
// override meaning free. The table is closed: entries naming tiers that do not
// exist on the ladder are rejected at parse time instead of carried along.
type TierPriceTable map[string]int64

// ParseTierPrices decodes and validates a serialized override table.
func ParseTierPrices(raw string, ladder *tier.Ladder) (TierPriceTable, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	decoded := map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPriceTable, err)
	}
	table := make(TierPriceTable, len(decoded))
	for name, price := range decoded {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if _, known := ladder.Rank(normalized); !known {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrBadPriceTable, name)
		}
		if price < 0 {
			return nil, fmt.Errorf("%w: negative price for %q", ErrBadPriceTable, name)
		}
		table[normalized] = price
	}
	return table, nil
}

// Quote is the resolved price and eligibility of a reward for one tier.
type Quote struct {
	Price          int64
	IsFree         bool
	DiscountAmount int64
	Eligible       bool
}

// QuoteFor resolves the price and claim-eligibility of a reward for a member
// tier. An unknown member tier ranks below the whole ladder, so tier-gated
// rewards fail closed; price resolution still proceeds so the hosting UI can
// render a locked price.
func QuoteFor(r *storage.Reward, ladder *tier.Ladder, memberTier string) (Quote, error) {
	table, err := ParseTierPrices(r.TierPrices, ladder)
	if err != nil {
		return Quote{}, err
	}

	memberRank, known := ladder.Rank(memberTier)
	if !known {
		memberRank = -1
	}

	eligible := true
	if required := strings.TrimSpace(r.MinStatusTier); required != "" {
		requiredRank, ok := ladder.Rank(required)
		if !ok {
			// Misconfigured gate: nobody passes until an admin fixes it.
			eligible = false
		} else {
			eligible = memberRank >= requiredRank
		}
	}

	price := r.Cost
	if table != nil && known {
		if override, ok := table[strings.ToLower(strings.TrimSpace(memberTier))]; ok {
			price = override
		}
	}
	discount := r.Cost - price
	if discount < 0 {
		discount = 0
	}
	return Quote{
		Price:          price,
		IsFree:         price == 0,
		DiscountAmount: discount,
		Eligible:       eligible,
	}, nil
}
