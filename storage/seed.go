package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Seed is the bootstrap fixture format for admin-owned configuration. It is
// applied by ops tooling and tests, never by the engine at request time.
type Seed struct {
	Tiers   []SeedTier   `yaml:"tiers"`
	Rewards []SeedReward `yaml:"rewards"`
}

type SeedTier struct {
	Name      string   `yaml:"name"`
	Label     string   `yaml:"label"`
	MinLocked int64    `yaml:"min_locked"`
	SortOrder int      `yaml:"sort_order"`
	Benefits  []string `yaml:"benefits"`
}

type SeedReward struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Cost          int64            `yaml:"cost"`
	MinStatusTier string           `yaml:"min_status_tier"`
	TierPrices    map[string]int64 `yaml:"tier_prices"`
	StockQuantity *int64           `yaml:"stock_quantity"`
	Cadence       string           `yaml:"cadence"`
	IsGiveback    bool             `yaml:"is_giveback"`
}

// LoadSeedFile reads and applies a YAML seed fixture.
func LoadSeedFile(db *gorm.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("storage: read seed %s: %w", path, err)
	}
	seed := new(Seed)
	if err := yaml.Unmarshal(raw, seed); err != nil {
		return fmt.Errorf("storage: decode seed %s: %w", path, err)
	}
	return ApplySeed(db, seed)
}

// ApplySeed upserts the fixture rows. Tier and reward rows are keyed so the
// seed can be re-applied idempotently.
func ApplySeed(db *gorm.DB, seed *Seed) error {
	if seed == nil {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, t := range seed.Tiers {
			benefits, err := json.Marshal(t.Benefits)
			if err != nil {
				return fmt.Errorf("storage: encode benefits for %s: %w", t.Name, err)
			}
			record := StatusTierRecord{
				Name:      t.Name,
				Label:     t.Label,
				MinLocked: t.MinLocked,
				SortOrder: t.SortOrder,
				Benefits:  string(benefits),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
				return err
			}
		}
		for _, r := range seed.Rewards {
			id, err := uuid.Parse(r.ID)
			if err != nil {
				return fmt.Errorf("storage: reward %q id: %w", r.Name, err)
			}
			prices := ""
			if len(r.TierPrices) > 0 {
				encoded, err := json.Marshal(r.TierPrices)
				if err != nil {
					return fmt.Errorf("storage: encode tier prices for %s: %w", r.Name, err)
				}
				prices = string(encoded)
			}
			record := Reward{
				ID:            id,
				Name:          r.Name,
				Cost:          r.Cost,
				MinStatusTier: r.MinStatusTier,
				TierPrices:    prices,
				StockQuantity: r.StockQuantity,
				Active:        true,
				Cadence:       r.Cadence,
				IsGiveback:    r.IsGiveback,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
