// 文件: pkg/num/signed_rational.go
// 有符号有理数 SignedRational
//
// 【用途】
// 资金费指数推进这类 "两次平均 + 多次乘除" 的中间计算，
// 用有理数保持精确，最后一步才取整落回 SignedDecimal
//
// 【为什么用 math/big.Rat?】
// big.Rat 每次运算后自动按 GCD 约分，正好满足
// "运算后自动约分以限制增长" 的要求，生态里没有更合适的库

package num

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// SignedRational 有符号有理数 (big.Rat 封装)
type SignedRational struct {
	rat *big.Rat
}

// =============================================================================
// 构造
// =============================================================================

// ZeroRational 零值
func ZeroRational() SignedRational {
	return SignedRational{rat: new(big.Rat)}
}

// RationalFromInt64 整数构造
func RationalFromInt64(v int64) SignedRational {
	return SignedRational{rat: new(big.Rat).SetInt64(v)}
}

// RationalFromFrac 分数构造 num/den
func RationalFromFrac(numer, denom int64) (SignedRational, error) {
	if denom == 0 {
		return ZeroRational(), ErrDivideByZero
	}
	return SignedRational{rat: big.NewRat(numer, denom)}, nil
}

// RationalFromSignedDec 从 SignedDecimal 精确构造
func RationalFromSignedDec(d SignedDecimal) SignedRational {
	r := new(big.Rat).SetFrac(d.Dec().Coefficient(), big.NewInt(1))
	exp := int64(d.Dec().Exponent())
	if exp > 0 {
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
		r.Mul(r, new(big.Rat).SetInt(pow))
	} else if exp < 0 {
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(-exp), nil)
		r.Quo(r, new(big.Rat).SetInt(pow))
	}
	return SignedRational{rat: r}
}

// =============================================================================
// 取值
// =============================================================================

// IsZero 是否为零
func (r SignedRational) IsZero() bool { return r.rat.Sign() == 0 }

// IsNegative 是否为负
func (r SignedRational) IsNegative() bool { return r.rat.Sign() < 0 }

// String 格式化输出 (约分后的 num/den)
func (r SignedRational) String() string { return r.rat.RatString() }

// Cmp 比较
func (r SignedRational) Cmp(other SignedRational) int { return r.rat.Cmp(other.rat) }

// =============================================================================
// 运算
// =============================================================================
// big.Rat 每次运算后自动 GCD 约分; 加减乘永不失败，除法查零

// Add 加法
func (r SignedRational) Add(other SignedRational) SignedRational {
	return SignedRational{rat: new(big.Rat).Add(r.rat, other.rat)}
}

// Sub 减法
func (r SignedRational) Sub(other SignedRational) SignedRational {
	return SignedRational{rat: new(big.Rat).Sub(r.rat, other.rat)}
}

// Mul 乘法
func (r SignedRational) Mul(other SignedRational) SignedRational {
	return SignedRational{rat: new(big.Rat).Mul(r.rat, other.rat)}
}

// Div 除法
func (r SignedRational) Div(other SignedRational) (SignedRational, error) {
	if other.IsZero() {
		return ZeroRational(), ErrDivideByZero
	}
	return SignedRational{rat: new(big.Rat).Quo(r.rat, other.rat)}, nil
}

// Halve 除以 2 (平均值计算用)
func (r SignedRational) Halve() SignedRational {
	return SignedRational{rat: new(big.Rat).Mul(r.rat, big.NewRat(1, 2))}
}

// =============================================================================
// 落回定点数
// =============================================================================

// ToSignedDec 转为 SignedDecimal (FloatString 在第 divPrecision 位做四舍五入)
func (r SignedRational) ToSignedDec() SignedDecimal {
	d, err := decimal.NewFromString(r.rat.FloatString(divPrecision))
	if err != nil {
		// FloatString 输出恒可解析
		return ZeroSignedDec()
	}
	return SignedDecFromDec(d)
}
