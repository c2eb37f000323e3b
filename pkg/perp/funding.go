// 文件: pkg/perp/funding.go
// 资金费引擎: 速度钳制的费率模型 + 累计每单位资金费指数
//
// 【模型】(Synthetix 风格 funding velocity)
// 1. 费率不是瞬时函数而是积分量: 费率以 velocity 的速度移动
//      velocity = max_funding_velocity * clamp(skew / skew_scale, -1, +1)
//      rate(now) = last_rate + velocity * Δt / 86400
// 2. 累计指数按梯形法则推进 (区间内费率线性变化，取平均):
//      index(now) = last_index - avg(last_rate, rate(now)) * Δt/86400 * price/base_price
//    负号使得 size * Δindex 对拥挤侧是成本:
//    多头拥挤 → skew>0 → rate 上行 → index 下行 → 多头 (size>0) 付费
//
// 【不变式】
// - 推进必须用变动前的 skew: 资金费对"区间内实际存在的敞口"计提
// - 给定 (last_updated, now) 推进是确定性的，last_updated 的落库
//   和读取在同一原子提交里，杜绝双重计提/漏计提
//
// 【面试考点】为什么中间量用有理数而不是 Decimal?
// 答: avg 和 Δt/86400 连乘会产生循环小数，Decimal 截断误差会
//     在指数里逐次累积; big.Rat 全程精确，最后一步才落回 Decimal

package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// secondsPerDay 费率的时间基准 (24h 费率)
const secondsPerDay = 86400

// Funding 单个 denom 的资金费状态
type Funding struct {
	// MaxFundingVelocity 费率每日最大变化速度 (参数快照，随参数更新)
	MaxFundingVelocity decimal.Decimal `json:"max_funding_velocity"`
	// SkewScale 价格冲击与资金费速度共用的分母，恒不为零
	SkewScale decimal.Decimal `json:"skew_scale"`
	// LastFundingRate 上次推进后的 24h 费率
	LastFundingRate num.SignedDecimal `json:"last_funding_rate"`
	// LastFundingAccruedPerUnitInBaseDenom 累计每单位资金费指数 (base denom 计)
	LastFundingAccruedPerUnitInBaseDenom num.SignedDecimal `json:"last_funding_accrued_per_unit_in_base_denom"`
}

// NewFunding denom 初始化时的零费率状态
func NewFunding(maxFundingVelocity, skewScale decimal.Decimal) Funding {
	return Funding{
		MaxFundingVelocity:                   maxFundingVelocity,
		SkewScale:                            skewScale,
		LastFundingRate:                      num.ZeroSignedDec(),
		LastFundingAccruedPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
}

// fundingVelocity 当前 skew 下的费率变化速度 (带符号)
func fundingVelocity(skew num.SignedUint, maxFundingVelocity, skewScale decimal.Decimal) (num.SignedDecimal, error) {
	if skewScale.IsZero() {
		return num.SignedDecimal{}, ErrZeroSkewScale
	}
	// proportional = clamp(skew / skew_scale, -1, +1)
	proportional, err := skew.ToSignedDec().DivDec(skewScale)
	if err != nil {
		return num.SignedDecimal{}, err
	}
	clamped := proportional.Clamp(num.SignedDecFromInt64(-1), num.SignedDecFromInt64(1))
	return clamped.MulDec(maxFundingVelocity)
}

// CurrentFunding 把资金费状态推进到 now
//
// skew 必须是本次待执行变动之前的市场 skew
// elapsed == 0 时原样返回 (同块内第二次触碰不重复计提)
func CurrentFunding(f Funding, skew num.SignedUint, price, baseDenomPrice decimal.Decimal, lastUpdated, now time.Time) (Funding, error) {
	if !now.After(lastUpdated) {
		return f, nil
	}
	elapsedSec := now.Unix() - lastUpdated.Unix()
	if elapsedSec <= 0 {
		return f, nil
	}

	velocity, err := fundingVelocity(skew, f.MaxFundingVelocity, f.SkewScale)
	if err != nil {
		return Funding{}, err
	}

	// elapsedDays = Δt / 86400 (有理数，精确)
	elapsedDays, err := num.RationalFromFrac(elapsedSec, secondsPerDay)
	if err != nil {
		return Funding{}, err
	}

	// rate(now) = last_rate + velocity * elapsedDays
	lastRateRat := num.RationalFromSignedDec(f.LastFundingRate)
	newRateRat := lastRateRat.Add(num.RationalFromSignedDec(velocity).Mul(elapsedDays))
	newRate := newRateRat.ToSignedDec()

	// avgRate = (last_rate + rate(now)) / 2
	avgRate := lastRateRat.Add(newRateRat).Halve()

	// index(now) = last_index - avgRate * elapsedDays * price / base_price
	accrual, err := avgRate.Mul(elapsedDays).
		Mul(num.RationalFromSignedDec(num.SignedDecFromDec(price))).
		Div(num.RationalFromSignedDec(num.SignedDecFromDec(baseDenomPrice)))
	if err != nil {
		return Funding{}, err
	}
	newIndex, err := f.LastFundingAccruedPerUnitInBaseDenom.Sub(accrual.ToSignedDec())
	if err != nil {
		return Funding{}, err
	}

	out := f
	out.LastFundingRate = newRate
	out.LastFundingAccruedPerUnitInBaseDenom = newIndex
	return out, nil
}
