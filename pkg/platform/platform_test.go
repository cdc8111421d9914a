// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"testing"

	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = "soc=Ascend910B3; cores=24; l2=192MiB; bw.hbm=1600; max_concat=32;" +
	"intrinsic.Conv2D=Float16,Float32; intrinsic.MatMul=float16,BFloat16"

func TestParseConfig(t *testing.T) {
	info, err := ParseConfig(testConfig)
	require.NoError(t, err)
	assert.Equal(t, "Ascend910B3", info.SocVersion)
	assert.Equal(t, "Ascend910B", info.SocFamily())
	assert.Equal(t, 24, info.AICoreCount)
	assert.Equal(t, uint64(192*1024*1024), info.L2CacheSize)
	assert.Equal(t, map[string]float64{"hbm": 1600}, info.Bandwidth)
	assert.Equal(t, 32, info.ConcatLimit())
	assert.True(t, info.SupportsDType("Conv2D", dtypes.Float16))
	assert.False(t, info.SupportsDType("Conv2D", dtypes.BFloat16))
	assert.True(t, info.SupportsDType("MatMul", dtypes.BFloat16))
	assert.True(t, info.HasIntrinsic("MatMul"))
	assert.False(t, info.HasIntrinsic("Pooling"))
	assert.False(t, info.SupportsDType("Pooling", dtypes.Float16))
	assert.Equal(t,
		"Ascend910B3 (family Ascend910B): 24 AI cores, L2 192 MiB, hbm 1600GB/s, Conv2D[Float16 Float32], MatMul[BFloat16 Float16]",
		info.String())

	info, err = ParseConfig("static:soc=Ascend310P3")
	require.NoError(t, err)
	assert.Equal(t, "Ascend310P", info.SocFamily())
	assert.Equal(t, DefaultMaxConcatInputs, info.ConcatLimit())

	for _, config := range []string{
		"soc",
		"cores=many",
		"l2=lots",
		"bw.hbm=fast",
		"intrinsic.Conv2D=Float16,Float99",
		"color=blue",
		"remote:soc=Ascend910",
	} {
		_, err := ParseConfig(config)
		assert.Error(t, err, "config %q", config)
	}
}

func TestInfo(t *testing.T) {
	info := &Info{
		SocVersion:      "MyChip",
		IntrinsicDTypes: map[string]sets.Set[dtypes.DType]{"Conv2D": sets.MakeWith(dtypes.Float16)},
		Bandwidth:       map[string]float64{"l2": 4000},
	}
	assert.Equal(t, "MyChip", info.SocFamily(), "unknown families are the SoC version itself")

	clone := info.Clone()
	clone.IntrinsicDTypes["Conv2D"].Insert(dtypes.BFloat16)
	clone.Bandwidth["l2"] = 1
	assert.False(t, info.SupportsDType("Conv2D", dtypes.BFloat16))
	assert.Equal(t, 4000.0, info.Bandwidth["l2"])
}

func TestProviders(t *testing.T) {
	info, err := ParseConfig(testConfig)
	require.NoError(t, err)
	p := NewStatic(info)
	got, err := p.Info()
	require.NoError(t, err)
	assert.Equal(t, info, got)
	got.AICoreCount = 0
	got2, _ := p.Info()
	assert.Equal(t, 24, got2.AICoreCount, "callers own the returned Info")

	_, err = NewWithConfig("").Info()
	assert.True(t, errors.Is(err, ErrNoPlatform))
	_, err = NewWithConfig("cores=x").Info()
	assert.Error(t, err)
	_, err = Unavailable(errors.New("offline")).Info()
	assert.EqualError(t, err, "offline")
}

func TestNew(t *testing.T) {
	t.Setenv(FUSION_PLATFORM, "soc=Ascend310;cores=2")
	info, err := New().Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.AICoreCount)

	t.Setenv(FUSION_PLATFORM, "")
	_, err = New().Info()
	assert.True(t, errors.Is(err, ErrNoPlatform), "an empty FUSION_PLATFORM disables the platform")
}

func TestNewDefaultConfig(t *testing.T) {
	defer func(saved string) { DefaultConfig = saved }(DefaultConfig)
	DefaultConfig = "soc=Ascend610;cores=8"
	if _, found := os.LookupEnv(FUSION_PLATFORM); found {
		t.Skipf("%s is set in the environment", FUSION_PLATFORM)
	}
	info, err := New().Info()
	require.NoError(t, err)
	assert.Equal(t, "Ascend610", info.SocFamily())
}
