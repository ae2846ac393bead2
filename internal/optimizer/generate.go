package optimizer

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/strategy"
)

// generateVariants builds the variant set: one default per profile, then
// single-dimension ablations drawn from the configured variation lists. The
// result is capped at maxConcurrentVariants, defaults first so every profile
// keeps its baseline.
func generateVariants(cfg config.OptimizerConfig) []strategy.VariantParams {
	var out []strategy.VariantParams

	for _, p := range cfg.Profiles {
		out = append(out, strategy.VariantParams{
			ID:                  variantID(p.Name, "default", ""),
			Profile:             p.Name,
			Leverage:            p.Leverage,
			PositionSizePercent: decimal.NewFromFloat(p.PositionSizePercent),
			EntryThreshold:      p.EntryThreshold,
		})
	}

	for _, p := range cfg.Profiles {
		for _, lev := range cfg.Leverage.Variations {
			if int(lev) == p.Leverage {
				continue
			}
			out = append(out, strategy.VariantParams{
				ID:                  variantID(p.Name, "leverage", fmt.Sprintf("%d", int(lev))),
				Profile:             p.Name,
				Dimension:           "leverage",
				Leverage:            int(lev),
				PositionSizePercent: decimal.NewFromFloat(p.PositionSizePercent),
				EntryThreshold:      p.EntryThreshold,
			})
		}
		for _, size := range cfg.PositionSize.Variations {
			if size == p.PositionSizePercent {
				continue
			}
			out = append(out, strategy.VariantParams{
				ID:                  variantID(p.Name, "position_size", fmt.Sprintf("%g", size)),
				Profile:             p.Name,
				Dimension:           "position_size",
				Leverage:            p.Leverage,
				PositionSizePercent: decimal.NewFromFloat(size),
				EntryThreshold:      p.EntryThreshold,
			})
		}
		for _, th := range cfg.Threshold.Variations {
			if th == p.EntryThreshold {
				continue
			}
			out = append(out, strategy.VariantParams{
				ID:                  variantID(p.Name, "threshold", fmt.Sprintf("%g", th)),
				Profile:             p.Name,
				Dimension:           "threshold",
				Leverage:            p.Leverage,
				PositionSizePercent: decimal.NewFromFloat(p.PositionSizePercent),
				EntryThreshold:      th,
			})
		}
	}

	if cfg.MaxConcurrentVariants > 0 && len(out) > cfg.MaxConcurrentVariants {
		out = out[:cfg.MaxConcurrentVariants]
	}
	return out
}

// variantID is readable in logs but still unique across restarts.
func variantID(profile, dimension, value string) string {
	suffix := uuid.NewString()[:8]
	if value == "" {
		return fmt.Sprintf("%s:%s:%s", profile, dimension, suffix)
	}
	return fmt.Sprintf("%s:%s=%s:%s", profile, dimension, value, suffix)
}
