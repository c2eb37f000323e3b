// 文件: pkg/perp/params_test.go
// 合约参数校验与注册表测试

package perp

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() *PerpParams {
	return &PerpParams{
		Denom:              "uatom",
		OpeningFeeRate:     decimal.RequireFromString("0.001"),
		ClosingFeeRate:     decimal.RequireFromString("0.00075"),
		ProtocolFeeRate:    decimal.RequireFromString("0.25"),
		SkewScale:          decimal.NewFromInt(1_000_000),
		MaxFundingVelocity: decimal.NewFromInt(3),
		MinPositionValue:   decimal.NewFromInt(100),
	}
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, validParams().Validate())

	t.Run("skew_scale 为零", func(t *testing.T) {
		// skew_scale 是除数，必须在初始化边界拦截
		p := validParams()
		p.SkewScale = decimal.Zero
		assert.ErrorIs(t, p.Validate(), ErrZeroSkewScale)
	})

	t.Run("skew_scale 为负", func(t *testing.T) {
		p := validParams()
		p.SkewScale = decimal.NewFromInt(-1)
		assert.ErrorIs(t, p.Validate(), ErrZeroSkewScale)
	})

	t.Run("denom 缺失", func(t *testing.T) {
		p := validParams()
		p.Denom = ""
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
	})

	t.Run("费率越界", func(t *testing.T) {
		p := validParams()
		p.OpeningFeeRate = decimal.NewFromInt(1)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

		p = validParams()
		p.ClosingFeeRate = decimal.NewFromInt(-1)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

		p = validParams()
		p.ProtocolFeeRate = decimal.RequireFromString("1.01")
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
	})

	t.Run("仓位价值上下限倒挂", func(t *testing.T) {
		p := validParams()
		p.MaxPositionValue = decimal.NewFromInt(50) // < min 100
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
	})

	t.Run("OI 上限为负", func(t *testing.T) {
		p := validParams()
		p.MaxLongOIValue = decimal.NewFromInt(-1)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
	})
}

func TestMemoryParamsRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryParamsRegistry()

	_, err := reg.QueryPerpParams(ctx, "uatom")
	assert.ErrorIs(t, err, ErrDenomNotFound)

	require.NoError(t, reg.SetPerpParams(ctx, validParams()))
	got, err := reg.QueryPerpParams(ctx, "uatom")
	require.NoError(t, err)
	assert.Equal(t, "uatom", got.Denom)
	assert.True(t, got.SkewScale.Equal(decimal.NewFromInt(1_000_000)))

	// 非法参数拒绝写入
	bad := validParams()
	bad.SkewScale = decimal.Zero
	assert.ErrorIs(t, reg.SetPerpParams(ctx, bad), ErrZeroSkewScale)

	// 返回的是副本，调用方修改不影响注册表
	got.SkewScale = decimal.Zero
	again, err := reg.QueryPerpParams(ctx, "uatom")
	require.NoError(t, err)
	assert.False(t, again.SkewScale.IsZero())
}
