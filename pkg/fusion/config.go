// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"strconv"
	"strings"

	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/pkg/errors"
)

// FUSION_PASSES is the environment variable with the Driver configuration used when none is given
// with WithConfig. See ParseConfig for the format.
const FUSION_PASSES = "FUSION_PASSES"

// Config of the Driver.
type Config struct {
	// Disabled passes are not run.
	Disabled sets.Set[string]

	// Validate the graph structure after each pass.
	Validate bool
}

// ParseConfig parses a Driver configuration formatted as a ";" separated list of:
//
//   - "disable=<pass>,<pass>...": passes not to run.
//   - "validate" or "validate=<bool>": validate the graph after each pass.
func ParseConfig(config string) (Config, error) {
	cfg := Config{Disabled: sets.Make[string]()}
	for _, part := range strings.Split(config, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		switch strings.TrimSpace(key) {
		case "disable":
			for _, name := range strings.Split(value, ",") {
				if name = strings.TrimSpace(name); name != "" {
					cfg.Disabled.Insert(name)
				}
			}
		case "validate":
			cfg.Validate = true
			if hasValue {
				var err error
				cfg.Validate, err = strconv.ParseBool(strings.TrimSpace(value))
				if err != nil {
					return Config{}, errors.Wrapf(err, "fusion configuration %q: invalid value for validate", config)
				}
			}
		default:
			return Config{}, errors.Errorf("fusion configuration %q: unknown option %q", config, key)
		}
	}
	return cfg, nil
}
