// 文件: pkg/num/signed_decimal.go
// 有符号定点小数 SignedDecimal
//
// 【表示法】
// 幅值 (非负 decimal.Decimal) + 显式符号位，不用补码
// 不变式: 零的符号永远为 false (正零)
//
// 【为什么不用 float64?】
// 浮点数有精度问题，清算/资金费这种安全关键路径必须用定点数
//
// 【checked 语义】
// 所有运算返回 (结果, error)，溢出/除零必须显式失败，
// 绝不回绕、绝不饱和截断

package num

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// divPrecision 除法保留的小数位数
// 资金费指数是累加器，精度必须足够高避免长期漂移
const divPrecision = 18

// maxMagnitude 幅值上限: 2^128 - 1
// 与链上 Uint128 对齐，超出即溢出
var maxMagnitude = decimal.NewFromBigInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)), 0)

// SignedDecimal 有符号定点小数
type SignedDecimal struct {
	abs      decimal.Decimal // 幅值，恒 >= 0
	negative bool            // 符号位，零时恒为 false
}

// =============================================================================
// 构造
// =============================================================================

// ZeroSignedDec 零值
func ZeroSignedDec() SignedDecimal {
	return SignedDecimal{abs: decimal.Zero}
}

// SignedDecFromDec 从 decimal.Decimal 构造 (符号自动拆分)
func SignedDecFromDec(d decimal.Decimal) SignedDecimal {
	return normalizeDec(d.Abs(), d.Sign() < 0)
}

// SignedDecFromInt64 从整数构造
func SignedDecFromInt64(v int64) SignedDecimal {
	return SignedDecFromDec(decimal.NewFromInt(v))
}

// MustSignedDecFromString 从字符串构造，解析失败 panic (仅测试/常量用)
func MustSignedDecFromString(s string) SignedDecimal {
	return SignedDecFromDec(decimal.RequireFromString(s))
}

// SignedDecFromString 从字符串构造 (存储层反序列化用)
func SignedDecFromString(s string) (SignedDecimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return SignedDecimal{}, err
	}
	return SignedDecFromDec(d), nil
}

// normalizeDec 归一化: 零值符号强制为 false
func normalizeDec(abs decimal.Decimal, negative bool) SignedDecimal {
	if abs.IsZero() {
		return SignedDecimal{abs: decimal.Zero}
	}
	return SignedDecimal{abs: abs, negative: negative}
}

// checkDecBound 幅值越界检查
func checkDecBound(d SignedDecimal) (SignedDecimal, error) {
	if d.abs.Cmp(maxMagnitude) > 0 {
		return ZeroSignedDec(), fmt.Errorf("signed decimal %s: %w", d.String(), ErrOverflow)
	}
	return d, nil
}

// =============================================================================
// 取值
// =============================================================================

// Dec 还原为带符号 decimal
func (d SignedDecimal) Dec() decimal.Decimal {
	if d.negative {
		return d.abs.Neg()
	}
	return d.abs
}

// Abs 幅值
func (d SignedDecimal) Abs() decimal.Decimal { return d.abs }

// IsNegative 是否为负
func (d SignedDecimal) IsNegative() bool { return d.negative }

// IsZero 是否为零
func (d SignedDecimal) IsZero() bool { return d.abs.IsZero() }

// IsPositive 是否为正 (零返回 false)
func (d SignedDecimal) IsPositive() bool { return !d.negative && !d.abs.IsZero() }

// String 格式化输出
func (d SignedDecimal) String() string {
	if d.negative {
		return "-" + d.abs.String()
	}
	return d.abs.String()
}

// Cmp 比较: -1 / 0 / +1
func (d SignedDecimal) Cmp(other SignedDecimal) int {
	return d.Dec().Cmp(other.Dec())
}

// Equal 相等判断
func (d SignedDecimal) Equal(other SignedDecimal) bool { return d.Cmp(other) == 0 }

// =============================================================================
// 运算 (checked)
// =============================================================================

// Neg 取反 (不会失败: 幅值不变)
func (d SignedDecimal) Neg() SignedDecimal {
	return normalizeDec(d.abs, !d.negative)
}

// Add 加法
func (d SignedDecimal) Add(other SignedDecimal) (SignedDecimal, error) {
	return checkDecBound(SignedDecFromDec(d.Dec().Add(other.Dec())))
}

// Sub 减法
func (d SignedDecimal) Sub(other SignedDecimal) (SignedDecimal, error) {
	return checkDecBound(SignedDecFromDec(d.Dec().Sub(other.Dec())))
}

// Mul 乘法
func (d SignedDecimal) Mul(other SignedDecimal) (SignedDecimal, error) {
	return checkDecBound(SignedDecFromDec(d.Dec().Mul(other.Dec())))
}

// Div 除法 (divPrecision 位精度)
func (d SignedDecimal) Div(other SignedDecimal) (SignedDecimal, error) {
	if other.IsZero() {
		return ZeroSignedDec(), ErrDivideByZero
	}
	return checkDecBound(SignedDecFromDec(d.Dec().DivRound(other.Dec(), divPrecision)))
}

// MulDec 乘以无符号 decimal (如价格)
func (d SignedDecimal) MulDec(other decimal.Decimal) (SignedDecimal, error) {
	return d.Mul(SignedDecFromDec(other))
}

// DivDec 除以无符号 decimal
func (d SignedDecimal) DivDec(other decimal.Decimal) (SignedDecimal, error) {
	return d.Div(SignedDecFromDec(other))
}

// Clamp 截断到 [low, high] 区间
// 资金费率速度对 skew/skew_scale 的截断用这个
func (d SignedDecimal) Clamp(low, high SignedDecimal) SignedDecimal {
	if d.Cmp(low) < 0 {
		return low
	}
	if d.Cmp(high) > 0 {
		return high
	}
	return d
}

// =============================================================================
// 向 SignedUint 的取整转换
// =============================================================================

// FloorToUint 向负无穷取整 (PnL 换算用，对金库保守)
func (d SignedDecimal) FloorToUint() SignedUint {
	return signedUintFromDecSigned(d.Dec().Floor())
}

// CeilToUint 向正无穷取整
func (d SignedDecimal) CeilToUint() SignedUint {
	return signedUintFromDecSigned(d.Dec().Ceil())
}
