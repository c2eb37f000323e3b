// 文件: pkg/perp/params.go
// 永续合约参数注册表
//
// 【职责】
// 1. 每个 denom 一份 PerpParams (费率、skew、OI 上限)
// 2. denom 初始化时参数校验 (skew_scale != 0 在这里拦截)
// 3. 业务层只依赖 ParamsRegistry 接口，存储可换
//
// 【设计模式】Repository Pattern，同 DenomState/Position 存储

package perp

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PerpParams - 合约参数
// =============================================================================

// PerpParams 单个 denom 的永续合约参数
// 所有 value 口径的上限都以计价货币 (USD) 计，不是以数量计
type PerpParams struct {
	Denom string

	// ===== 费率 =====
	OpeningFeeRate  decimal.Decimal // 开仓费率
	ClosingFeeRate  decimal.Decimal // 平仓费率
	ProtocolFeeRate decimal.Decimal // 协议费分成比例 (从手续费绝对值中切出)

	// ===== skew / 资金费 =====
	// SkewScale 是价格冲击和资金费速度的分母，恒不为零
	SkewScale          decimal.Decimal
	MaxFundingVelocity decimal.Decimal // 资金费率每日最大变化速度

	// ===== 仓位价值上下限 =====
	MinPositionValue decimal.Decimal
	MaxPositionValue decimal.Decimal // 零表示不设上限

	// ===== OI 上限 (价值口径) =====
	MaxLongOIValue  decimal.Decimal
	MaxShortOIValue decimal.Decimal
	MaxNetOIValue   decimal.Decimal
}

// Validate 参数校验
//
// 【不变式】skew_scale 必须在 denom 初始化时拦截，
// 零值一旦流入交易路径就是除零事故
func (p *PerpParams) Validate() error {
	if p.Denom == "" {
		return fmt.Errorf("%w: denom is required", ErrInvalidParams)
	}
	if p.SkewScale.IsZero() || p.SkewScale.IsNegative() {
		return ErrZeroSkewScale
	}
	if p.MaxFundingVelocity.IsNegative() {
		return fmt.Errorf("%w: max_funding_velocity must not be negative", ErrInvalidParams)
	}
	if p.OpeningFeeRate.IsNegative() || p.OpeningFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: opening_fee_rate out of [0,1)", ErrInvalidParams)
	}
	if p.ClosingFeeRate.IsNegative() || p.ClosingFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: closing_fee_rate out of [0,1)", ErrInvalidParams)
	}
	if p.ProtocolFeeRate.IsNegative() || p.ProtocolFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: protocol_fee_rate out of [0,1]", ErrInvalidParams)
	}
	if p.MinPositionValue.IsNegative() {
		return fmt.Errorf("%w: min_position_value must not be negative", ErrInvalidParams)
	}
	if !p.MaxPositionValue.IsZero() && p.MaxPositionValue.LessThan(p.MinPositionValue) {
		return fmt.Errorf("%w: max_position_value below min_position_value", ErrInvalidParams)
	}
	if p.MaxLongOIValue.IsNegative() || p.MaxShortOIValue.IsNegative() || p.MaxNetOIValue.IsNegative() {
		return fmt.Errorf("%w: OI limits must not be negative", ErrInvalidParams)
	}
	return nil
}

// =============================================================================
// ParamsRegistry 接口
// =============================================================================

// ParamsRegistry 参数注册表
// 生产接治理模块，测试用 MemoryParamsRegistry
type ParamsRegistry interface {
	QueryPerpParams(ctx context.Context, denom string) (*PerpParams, error)
	SetPerpParams(ctx context.Context, params *PerpParams) error
}

// =============================================================================
// MemoryParamsRegistry - 内存实现
// =============================================================================

type MemoryParamsRegistry struct {
	mu     sync.RWMutex
	params map[string]PerpParams
}

func NewMemoryParamsRegistry() *MemoryParamsRegistry {
	return &MemoryParamsRegistry{params: make(map[string]PerpParams)}
}

func (r *MemoryParamsRegistry) QueryPerpParams(_ context.Context, denom string) (*PerpParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[denom]
	if !ok {
		return nil, fmt.Errorf("%w: params for %s", ErrDenomNotFound, denom)
	}
	return &p, nil
}

func (r *MemoryParamsRegistry) SetPerpParams(_ context.Context, params *PerpParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[params.Denom] = *params
	return nil
}

var _ ParamsRegistry = (*MemoryParamsRegistry)(nil)
