// 文件: pkg/oracle/oracle.go
// 价格预言机接口与内存价格源
//
// 【定价模式】
// - Default: 正常交易用，返回最新喂价
// - Liquidation: 强平/减仓专用，喂价缺失或过期时必须显式失败，
//   防止对着已下架/陈旧的价格源清算用户
//
// 【存储】
// sync.Map 缓存最新价，喂价更新方 (外部采集器) 调用 UpdatePrice

package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 定价模式
// =============================================================================

type PricingMode int8

const (
	ModeDefault     PricingMode = iota // 正常交易
	ModeLiquidation                    // 强平/减仓 (严格模式)
)

func (m PricingMode) String() string {
	if m == ModeLiquidation {
		return "LIQUIDATION"
	}
	return "DEFAULT"
}

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrPriceNotFound = errors.New("oracle: price not found for denom")
	ErrPriceStale    = errors.New("oracle: price is stale")
	ErrInvalidPrice  = errors.New("oracle: price must be positive")
)

// =============================================================================
// Oracle 接口
// =============================================================================

// Oracle 价格查询接口
// 引擎只依赖这个接口，生产可接外部喂价服务，测试用 PriceFeed
type Oracle interface {
	QueryPrice(denom string, mode PricingMode) (decimal.Decimal, error)
}

// =============================================================================
// PriceFeed - 内存价格源
// =============================================================================

// DefaultStaleAfter 默认价格过期时间
// Liquidation 模式下超过该时长未更新的喂价视为陈旧
const DefaultStaleAfter = 30 * time.Second

type pricePoint struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// PriceFeed 内存价格源
type PriceFeed struct {
	prices     sync.Map // denom -> pricePoint
	staleAfter time.Duration
	now        func() time.Time // 可注入时钟，测试用
}

// NewPriceFeed 创建内存价格源
func NewPriceFeed() *PriceFeed {
	return &PriceFeed{
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (f *PriceFeed) SetClock(now func() time.Time) { f.now = now }

// SetStaleAfter 设置过期阈值
func (f *PriceFeed) SetStaleAfter(d time.Duration) { f.staleAfter = d }

// UpdatePrice 更新喂价
func (f *PriceFeed) UpdatePrice(denom string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s=%s", ErrInvalidPrice, denom, price)
	}
	f.prices.Store(denom, pricePoint{price: price, updatedAt: f.now()})
	return nil
}

// RemovePrice 下架喂价
func (f *PriceFeed) RemovePrice(denom string) {
	f.prices.Delete(denom)
}

// QueryPrice 查询价格
func (f *PriceFeed) QueryPrice(denom string, mode PricingMode) (decimal.Decimal, error) {
	v, ok := f.prices.Load(denom)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s (%s)", ErrPriceNotFound, denom, mode)
	}
	p := v.(pricePoint)

	// 严格模式: 陈旧喂价直接拒绝
	if mode == ModeLiquidation && f.now().Sub(p.updatedAt) > f.staleAfter {
		return decimal.Zero, fmt.Errorf("%w: %s updated at %s", ErrPriceStale, denom, p.updatedAt)
	}
	return p.price, nil
}

var _ Oracle = (*PriceFeed)(nil)
