package memory

import (
	"errors"
	"fmt"
)

// Config is fixed at Manager construction and read-only afterwards.
type Config struct {
	// OwnerID partitions items by user or session. Default: "default_user".
	OwnerID string `mapstructure:"owner_id" yaml:"owner_id" json:"owner_id"`

	// WorkingCapacity is the maximum number of working items. Default: 10.
	WorkingCapacity int `mapstructure:"working_capacity" yaml:"working_capacity" json:"working_capacity"`

	// WorkingTokenBudget caps the summed whitespace word count of working
	// items. Default: 2000.
	WorkingTokenBudget int `mapstructure:"working_token_budget" yaml:"working_token_budget" json:"working_token_budget"`

	// WorkingTTLMinutes is the age after which working items expire.
	// Default: 120.
	WorkingTTLMinutes int `mapstructure:"working_ttl_minutes" yaml:"working_ttl_minutes" json:"working_ttl_minutes"`

	// DecayFactor is the base of the exponential time decay. Default: 0.95.
	DecayFactor float64 `mapstructure:"decay_factor" yaml:"decay_factor" json:"decay_factor"`

	// DecayPeriodHours is the age at which one full DecayFactor applies.
	// Default: 6.
	DecayPeriodHours float64 `mapstructure:"decay_period_hours" yaml:"decay_period_hours" json:"decay_period_hours"`

	// ImportanceForgetThreshold is the default threshold for
	// importance_based forgetting. Default: 0.1.
	ImportanceForgetThreshold float64 `mapstructure:"importance_forget_threshold" yaml:"importance_forget_threshold" json:"importance_forget_threshold"`

	// MaxCapacity bounds long-term tiers for capacity_based forgetting and
	// capacity usage reporting. Default: 100.
	MaxCapacity int `mapstructure:"max_capacity" yaml:"max_capacity" json:"max_capacity"`

	// EnabledTiers lists the tier kinds the Manager creates.
	EnabledTiers []TierKind `mapstructure:"enabled_tiers" yaml:"enabled_tiers" json:"enabled_tiers"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OwnerID:                   "default_user",
		WorkingCapacity:           10,
		WorkingTokenBudget:        2000,
		WorkingTTLMinutes:         120,
		DecayFactor:               0.95,
		DecayPeriodHours:          6,
		ImportanceForgetThreshold: 0.1,
		MaxCapacity:               100,
		EnabledTiers:              []TierKind{TierWorking, TierEpisodic, TierSemantic},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.WorkingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("working_capacity must be positive, got %d", c.WorkingCapacity))
	}
	if c.WorkingTokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("working_token_budget must be positive, got %d", c.WorkingTokenBudget))
	}
	if c.WorkingTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("working_ttl_minutes must be positive, got %d", c.WorkingTTLMinutes))
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		errs = append(errs, fmt.Errorf("decay_factor must be in (0,1], got %g", c.DecayFactor))
	}
	if c.DecayPeriodHours <= 0 {
		errs = append(errs, fmt.Errorf("decay_period_hours must be positive, got %g", c.DecayPeriodHours))
	}
	if c.ImportanceForgetThreshold < 0 || c.ImportanceForgetThreshold > 1 {
		errs = append(errs, fmt.Errorf("importance_forget_threshold must be in [0,1], got %g", c.ImportanceForgetThreshold))
	}
	if c.MaxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("max_capacity must be positive, got %d", c.MaxCapacity))
	}
	if len(c.EnabledTiers) == 0 {
		errs = append(errs, errors.New("at least one tier must be enabled"))
	}
	for _, k := range c.EnabledTiers {
		if _, err := ParseTierKind(string(k)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Field: "config", Reason: errors.Join(errs...).Error(), Err: ErrInvalidValue}
	}
	return nil
}

func (c Config) enabled(kind TierKind) bool {
	for _, k := range c.EnabledTiers {
		if k == kind {
			return true
		}
	}
	return false
}
