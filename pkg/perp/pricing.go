// 文件: pkg/perp/pricing.go
// 执行价格计算 (skew 线性冲击模型)
//
// 【模型】
// 瞬时价格 p(skew) = oracle_price * (1 + skew / skew_scale)
// 一笔订单从 skew_before 吃到 skew_after，平均成交价:
//
//	exec = (p(skew_before) + p(skew_after)) / 2
//	     = oracle * (1 + (skew_before + skew_after) / (2 * skew_scale))
//
// 开仓: skew_after = skew_before + size
// 平仓: skew_after = skew_before - size (把仓位从市场里拿掉)
//
// 这是滑点的唯一来源，不接 AMM 也不接订单簿
//
// 【不变式】skew_scale 在 denom 初始化时已校验非零，
// 这里的零除检查只为算术完备性 (每个调用点都有显式失败路径)

package perp

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

var decTwo = decimal.NewFromInt(2)

// OpeningExecutionPrice 开仓平均执行价
//
// skew: 成交前的市场 skew (不含本笔订单)
// size: 本笔订单的带符号规模 (+多 -空)
// 返回恒为正的 Decimal，中间量用 SignedDecimal 以支持任意符号的 skew
func OpeningExecutionPrice(skew num.SignedUint, skewScale decimal.Decimal, orderSize num.SignedUint, oraclePrice decimal.Decimal) (decimal.Decimal, error) {
	// skew_after = skew + size
	skewAfter, err := skew.Add(orderSize)
	if err != nil {
		return decimal.Zero, err
	}
	return executionPrice(skew, skewAfter, skewScale, oraclePrice)
}

// ClosingExecutionPrice 平仓平均执行价
//
// skew: 当前市场 skew (含被平仓位)
// size: 被平仓位的带符号规模
func ClosingExecutionPrice(skew num.SignedUint, skewScale decimal.Decimal, positionSize num.SignedUint, oraclePrice decimal.Decimal) (decimal.Decimal, error) {
	// skew_after = skew - size
	skewAfter, err := skew.Sub(positionSize)
	if err != nil {
		return decimal.Zero, err
	}
	return executionPrice(skew, skewAfter, skewScale, oraclePrice)
}

// executionPrice 两端 skew 的平均冲击价
func executionPrice(skewBefore, skewAfter num.SignedUint, skewScale, oraclePrice decimal.Decimal) (decimal.Decimal, error) {
	if skewScale.IsZero() {
		return decimal.Zero, fmt.Errorf("execution price: %w", num.ErrDivideByZero)
	}

	// impact = (skew_before + skew_after) / (2 * skew_scale)
	skewSum, err := skewBefore.Add(skewAfter)
	if err != nil {
		return decimal.Zero, err
	}
	impact, err := skewSum.ToSignedDec().DivDec(skewScale.Mul(decTwo))
	if err != nil {
		return decimal.Zero, err
	}

	// exec = oracle * (1 + impact)
	multiplier, err := num.SignedDecFromInt64(1).Add(impact)
	if err != nil {
		return decimal.Zero, err
	}
	exec, err := multiplier.MulDec(oraclePrice)
	if err != nil {
		return decimal.Zero, err
	}

	// 执行价必须为正: skew 冲击把价格打穿零属于算术域错误
	if !exec.IsPositive() {
		return decimal.Zero, fmt.Errorf("execution price not positive: %s", exec)
	}
	return exec.Abs(), nil
}
