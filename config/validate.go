package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks runtime node config for operator mistakes. Setting errors
// are returned as *fork.ConfigError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	p, err := ParamsFor(cfg.Network)
	if err != nil {
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Regtest)
	}

	if err := validate.Struct(cfg); err != nil {
		return translate(err)
	}

	if cfg.Network != Regtest {
		if cfg.Consensus.Spacing != 0 {
			return &fork.ConfigError{Field: "consensus.spacing", Reason: "only allowed on regtest"}
		}
		if cfg.Consensus.PowLimit != "" {
			return &fork.ConfigError{Field: "consensus.powlimit", Reason: "only allowed on regtest"}
		}
	}

	if cfg.Fork.Height != fork.HeightDisabled && cfg.Fork.Height < p.MinForkHeight {
		return &fork.ConfigError{
			Field:  "fork.height",
			Reason: fmt.Sprintf("%d is less than the %s minimum %d", cfg.Fork.Height, cfg.Network, p.MinForkHeight),
		}
	}

	p, err = cfg.Params()
	if err != nil {
		return err
	}
	if _, _, err := p.Limits(); err != nil {
		return &fork.ConfigError{Field: "consensus.powlimit", Reason: err.Error()}
	}
	return cfg.ForkConfig(p).Validate()
}

// translate turns validator field errors into config key errors.
func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	key := confKey(fe.StructNamespace())
	reason := fmt.Sprintf("failed %q check", fe.Tag())
	if fe.Param() != "" {
		reason = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
	}
	return &fork.ConfigError{Field: key, Reason: reason}
}

// confKey maps a struct namespace such as "Config.Fork.SignalWindow" to
// its config file key.
func confKey(ns string) string {
	if k, ok := confKeys[strings.TrimPrefix(ns, "Config.")]; ok {
		return k
	}
	return ns
}

var confKeys = map[string]string{
	"Fork.SignalBit":       "fork.signalbit",
	"Fork.SignalWindow":    "fork.signalwindow",
	"Fork.SignalThreshold": "fork.signalthreshold",
	"Fork.RetargetPeriod":  "fork.retargetperiod",
	"Consensus.Spacing":    "consensus.spacing",
	"Consensus.PowLimit":   "consensus.powlimit",
	"Storage.Backend":      "storage.backend",
	"Mining.Threads":       "mining.threads",
	"Log.Level":            "log.level",
}
