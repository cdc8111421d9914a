// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Provider gives access to the platform information.
type Provider interface {
	// Info returns the platform information. The returned value is owned by the caller.
	Info() (*Info, error)
}

// ErrNoPlatform is returned by the provider created when no platform is configured.
var ErrNoPlatform = errors.New("no platform configured")

type staticProvider struct {
	info *Info
}

// NewStatic returns a Provider that always returns (a copy of) info.
func NewStatic(info *Info) Provider {
	return &staticProvider{info: info.Clone()}
}

func (p *staticProvider) Info() (*Info, error) { return p.info.Clone(), nil }

type unavailableProvider struct {
	err error
}

// Unavailable returns a Provider that always fails with err.
func Unavailable(err error) Provider {
	return &unavailableProvider{err: err}
}

func (p *unavailableProvider) Info() (*Info, error) { return nil, p.err }

// DefaultConfig is the platform configuration used by New if FUSION_PLATFORM is not set.
//
// See ParseConfig for the format.
var DefaultConfig string

// FUSION_PLATFORM is the environment variable with the platform configuration to use by default.
const FUSION_PLATFORM = "FUSION_PLATFORM"

// New returns the default Provider:
//
// 1. The environment variable FUSION_PLATFORM is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. Otherwise the platform is unavailable (ErrNoPlatform).
func New() Provider {
	if config, found := os.LookupEnv(FUSION_PLATFORM); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig returns a static Provider with the platform described by config (see ParseConfig).
// An empty or invalid configuration returns an unavailable Provider, so platform specific fusions
// are skipped.
func NewWithConfig(config string) Provider {
	if strings.TrimSpace(config) == "" {
		return Unavailable(ErrNoPlatform)
	}
	info, err := ParseConfig(config)
	if err != nil {
		klog.Warningf("invalid platform configuration, platform specific fusions disabled: %v", err)
		return Unavailable(err)
	}
	return NewStatic(info)
}

// ParseConfig parses a platform description formatted as "[static:]key=value;key=value;...". Keys:
//
//   - soc: SoC version, e.g. "soc=Ascend910B3".
//   - cores: number of AI cores.
//   - l2: L2 cache size, e.g. "l2=192MiB".
//   - max_concat: maximum number of inputs of a concatenation.
//   - bw.<memory>: bandwidth of a memory in GB/s, e.g. "bw.hbm=1600".
//   - intrinsic.<name>: comma-separated dtypes supported by a hardware intrinsic, e.g. "intrinsic.Conv2D=Float16,Float32".
func ParseConfig(config string) (*Info, error) {
	if kind, rest, found := strings.Cut(config, ":"); found {
		if kind != "static" {
			return nil, errors.Errorf("unknown platform provider %q in configuration %q", kind, config)
		}
		config = rest
	}
	info := &Info{
		IntrinsicDTypes: make(map[string]sets.Set[dtypes.DType]),
		Bandwidth:       make(map[string]float64),
	}
	for _, part := range strings.Split(config, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("platform configuration %q: %q is not a key=value pair", config, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if err := info.set(key, value); err != nil {
			return nil, errors.WithMessagef(err, "platform configuration %q", config)
		}
	}
	return info, nil
}

func (i *Info) set(key, value string) error {
	var err error
	switch {
	case key == "soc":
		i.SocVersion = value
	case key == "cores":
		i.AICoreCount, err = strconv.Atoi(value)
	case key == "max_concat":
		i.MaxConcatInputs, err = strconv.Atoi(value)
	case key == "l2":
		i.L2CacheSize, err = humanize.ParseBytes(value)
	case strings.HasPrefix(key, "bw."):
		i.Bandwidth[strings.TrimPrefix(key, "bw.")], err = strconv.ParseFloat(value, 64)
	case strings.HasPrefix(key, "intrinsic."):
		supported := sets.Make[dtypes.DType]()
		for _, name := range strings.Split(value, ",") {
			dtype, dtypeErr := dtypes.DTypeString(strings.TrimSpace(name))
			if dtypeErr != nil {
				return errors.Wrapf(dtypeErr, "key %q", key)
			}
			supported.Insert(dtype)
		}
		i.IntrinsicDTypes[strings.TrimPrefix(key, "intrinsic.")] = supported
	default:
		return errors.Errorf("unknown key %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "key %q", key)
	}
	return nil
}
