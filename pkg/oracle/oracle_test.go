// 文件: pkg/oracle/oracle_test.go
// 价格源与喂价缩放测试

package oracle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceFeedBasic(t *testing.T) {
	feed := NewPriceFeed()

	_, err := feed.QueryPrice("uatom", ModeDefault)
	assert.ErrorIs(t, err, ErrPriceNotFound)

	require.NoError(t, feed.UpdatePrice("uatom", decimal.RequireFromString("6.52")))
	p, err := feed.QueryPrice("uatom", ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, "6.52", p.String())

	// 非正价格拒绝
	assert.ErrorIs(t, feed.UpdatePrice("uatom", decimal.Zero), ErrInvalidPrice)
	assert.ErrorIs(t, feed.UpdatePrice("uatom", decimal.NewFromInt(-1)), ErrInvalidPrice)

	feed.RemovePrice("uatom")
	_, err = feed.QueryPrice("uatom", ModeDefault)
	assert.ErrorIs(t, err, ErrPriceNotFound)
}

func TestPriceFeedStaleInLiquidationMode(t *testing.T) {
	feed := NewPriceFeed()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.SetClock(func() time.Time { return now })
	feed.SetStaleAfter(30 * time.Second)

	require.NoError(t, feed.UpdatePrice("uatom", decimal.NewFromInt(10)))

	// 31 秒后: Default 照常返回，Liquidation 必须拒绝
	now = now.Add(31 * time.Second)
	_, err := feed.QueryPrice("uatom", ModeDefault)
	assert.NoError(t, err)
	_, err = feed.QueryPrice("uatom", ModeLiquidation)
	assert.ErrorIs(t, err, ErrPriceStale)

	// 重新喂价后恢复
	require.NoError(t, feed.UpdatePrice("uatom", decimal.NewFromInt(11)))
	p, err := feed.QueryPrice("uatom", ModeLiquidation)
	require.NoError(t, err)
	assert.Equal(t, "11", p.String())
}

func TestScaleSlinkyPrice(t *testing.T) {
	// value=652586790 (8 位小数) * usd=1000000 (1.0 USD) / 10^(8+6)
	p, err := ScaleSlinkyPrice(652586790, 8, 6, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, "6.5258679", p.String())

	// 指数平移是精确运算，不引入除法误差
	p, err = ScaleSlinkyPrice(1, 18, 6, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, "0.000000000000000001", p.String())

	_, err = ScaleSlinkyPrice(652586790, 8, 6, 0)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ScaleSlinkyPrice(0, 8, 6, 1_000_000)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ScaleSlinkyPrice(1, -1, 6, 1_000_000)
	assert.Error(t, err)
}
