package storage

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"rewardshub/engine/tier"
)

// LoadLadder reads the configured status tiers and builds the validated
// ladder the resolvers consume. Callers cache the result and reload after
// admin changes.
func LoadLadder(db *gorm.DB) (*tier.Ladder, error) {
	var records []StatusTierRecord
	if err := db.Order("sort_order asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: load status tiers: %w", err)
	}
	tiers := make([]tier.StatusTier, 0, len(records))
	for _, rec := range records {
		var benefits []string
		if rec.Benefits != "" {
			if err := json.Unmarshal([]byte(rec.Benefits), &benefits); err != nil {
				return nil, fmt.Errorf("storage: decode benefits for %s: %w", rec.Name, err)
			}
		}
		tiers = append(tiers, tier.StatusTier{
			Name:      rec.Name,
			Label:     rec.Label,
			MinLocked: rec.MinLocked,
			Benefits:  benefits,
			SortOrder: rec.SortOrder,
		})
	}
	return tier.NewLadder(tiers)
}
