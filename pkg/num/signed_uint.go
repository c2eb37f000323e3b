// 文件: pkg/num/signed_uint.go
// 有符号定点整数 SignedUint
//
// 【表示法】
// 无符号整数幅值 + 显式符号位 (不是补码)
// 不变式1: 零的符号永远为 false
// 不变式2: 幅值恒为整数 (小数转换必须显式指定取整方向)
//
// 【取整方向是协议级决策】
// - 手续费: 对协议有利 → 幅值向上取整 (ceil)，再取负 (成本约定)
// - PnL 换算: 保守 → 向负无穷取整 (floor)
// 每个调用点的取整方向必须按协议保持，不是实现细节

package num

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SignedUint 有符号定点整数
type SignedUint struct {
	abs      decimal.Decimal // 整数幅值，恒 >= 0
	negative bool
}

// =============================================================================
// 构造
// =============================================================================

// ZeroSignedUint 零值
func ZeroSignedUint() SignedUint {
	return SignedUint{abs: decimal.Zero}
}

// SignedUintFromInt64 从整数构造
func SignedUintFromInt64(v int64) SignedUint {
	return signedUintFromDecSigned(decimal.NewFromInt(v))
}

// NewSignedUint 从幅值 + 符号构造 (幅值截断到整数)
func NewSignedUint(abs decimal.Decimal, negative bool) SignedUint {
	return normalizeUint(abs.Truncate(0).Abs(), negative)
}

// MustSignedUintFromString 从字符串构造 (仅测试/常量用)
func MustSignedUintFromString(s string) SignedUint {
	return signedUintFromDecSigned(decimal.RequireFromString(s).Truncate(0))
}

// SignedUintFromString 从字符串构造 (存储层反序列化用)
func SignedUintFromString(s string) (SignedUint, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return SignedUint{}, err
	}
	return signedUintFromDecSigned(d.Truncate(0)), nil
}

// signedUintFromDecSigned 从带符号整数 decimal 构造
func signedUintFromDecSigned(d decimal.Decimal) SignedUint {
	return normalizeUint(d.Abs(), d.Sign() < 0)
}

func normalizeUint(abs decimal.Decimal, negative bool) SignedUint {
	if abs.IsZero() {
		return SignedUint{abs: decimal.Zero}
	}
	return SignedUint{abs: abs, negative: negative}
}

func checkUintBound(u SignedUint) (SignedUint, error) {
	if u.abs.Cmp(maxMagnitude) > 0 {
		return ZeroSignedUint(), fmt.Errorf("signed uint %s: %w", u.String(), ErrOverflow)
	}
	return u, nil
}

// =============================================================================
// 取值
// =============================================================================

// Dec 还原为带符号 decimal
func (u SignedUint) Dec() decimal.Decimal {
	if u.negative {
		return u.abs.Neg()
	}
	return u.abs
}

// Abs 无符号幅值 ("unsigned_abs" 原语，上层组件依赖它)
func (u SignedUint) Abs() decimal.Decimal { return u.abs }

// IsNegative 是否为负
func (u SignedUint) IsNegative() bool { return u.negative }

// IsZero 是否为零
func (u SignedUint) IsZero() bool { return u.abs.IsZero() }

// IsPositive 是否为正 (零返回 false)
func (u SignedUint) IsPositive() bool { return !u.negative && !u.abs.IsZero() }

// String 格式化输出
func (u SignedUint) String() string {
	if u.negative {
		return "-" + u.abs.String()
	}
	return u.abs.String()
}

// Cmp 比较: -1 / 0 / +1
func (u SignedUint) Cmp(other SignedUint) int {
	return u.Dec().Cmp(other.Dec())
}

// Equal 相等判断
func (u SignedUint) Equal(other SignedUint) bool { return u.Cmp(other) == 0 }

// SameSignAs 符号相同 (零与任何符号都不同向)
func (u SignedUint) SameSignAs(other SignedUint) bool {
	if u.IsZero() || other.IsZero() {
		return false
	}
	return u.negative == other.negative
}

// ToSignedDec 转为 SignedDecimal
func (u SignedUint) ToSignedDec() SignedDecimal {
	return normalizeDec(u.abs, u.negative)
}

// =============================================================================
// 运算 (checked)
// =============================================================================

// Neg 取反
func (u SignedUint) Neg() SignedUint {
	return normalizeUint(u.abs, !u.negative)
}

// Add 加法
func (u SignedUint) Add(other SignedUint) (SignedUint, error) {
	return checkUintBound(signedUintFromDecSigned(u.Dec().Add(other.Dec())))
}

// Sub 减法
func (u SignedUint) Sub(other SignedUint) (SignedUint, error) {
	return checkUintBound(signedUintFromDecSigned(u.Dec().Sub(other.Dec())))
}

// Mul 整数乘法
func (u SignedUint) Mul(other SignedUint) (SignedUint, error) {
	return checkUintBound(signedUintFromDecSigned(u.Dec().Mul(other.Dec())))
}

// MulDecFloor 乘以小数，结果向负无穷取整
func (u SignedUint) MulDecFloor(d SignedDecimal) (SignedUint, error) {
	return checkUintBound(signedUintFromDecSigned(u.Dec().Mul(d.Dec()).Floor()))
}

// MulDecCeil 乘以小数，结果向正无穷取整
func (u SignedUint) MulDecCeil(d SignedDecimal) (SignedUint, error) {
	return checkUintBound(signedUintFromDecSigned(u.Dec().Mul(d.Dec()).Ceil()))
}

// DivDecFloor 除以小数，结果向负无穷取整
func (u SignedUint) DivDecFloor(d SignedDecimal) (SignedUint, error) {
	if d.IsZero() {
		return ZeroSignedUint(), ErrDivideByZero
	}
	return checkUintBound(signedUintFromDecSigned(
		u.Dec().DivRound(d.Dec(), divPrecision).Floor()))
}

// DivDecCeil 除以小数，结果向正无穷取整
func (u SignedUint) DivDecCeil(d SignedDecimal) (SignedUint, error) {
	if d.IsZero() {
		return ZeroSignedUint(), ErrDivideByZero
	}
	return checkUintBound(signedUintFromDecSigned(
		u.Dec().DivRound(d.Dec(), divPrecision).Ceil()))
}
