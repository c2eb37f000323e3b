// 文件: pkg/perp/pnl.go
// PnL 与手续费计算
//
// 【口径】
// - 已实现 PnL 永远按"变动前"的 size 和"变动前"的 skew 结算
// - price_pnl = size * (exit_exec - entry_exec) / base_price  (floor)
// - accrued_funding = size * (当前指数 - 入场指数)            (floor)
//   指数本身已是 base denom 计价，不再除价格
// - 手续费 = |基数| * 执行价 * 费率 / base_price，幅值向上取整后取负
//
// 【取整方向是协议决策】
// 费用 ceil (对协议有利)，PnL floor (保守)，调用点逐一保持
//
// 【费用拆分按修改类别】
// Increase: 开仓费收在增量 q 上
// Decrease: 平仓费收在减量 q 上
// Flip:     旧仓在翻转前 skew 收平仓费 + 新仓在摘除旧仓后的 skew 收开仓费
// None:     零费用 (纯查询)

package perp

import (
	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// =============================================================================
// 手续费
// =============================================================================

// singleFee |size| * exec_price * rate / base_price，ceil 后取负
func singleFee(size num.SignedUint, execPrice, rate, baseDenomPrice decimal.Decimal) (num.SignedUint, error) {
	if rate.IsZero() || size.IsZero() {
		return num.ZeroSignedUint(), nil
	}
	abs := num.NewSignedUint(size.Abs(), false)
	value, err := abs.ToSignedDec().MulDec(execPrice)
	if err != nil {
		return num.SignedUint{}, err
	}
	if value, err = value.MulDec(rate); err != nil {
		return num.SignedUint{}, err
	}
	if value, err = value.DivDec(baseDenomPrice); err != nil {
		return num.SignedUint{}, err
	}
	return value.CeilToUint().Neg(), nil
}

// ComputeFees 按修改类别拆分开仓费/平仓费
//
// skew 是本次变动之前的市场 skew; 两个返回值恒 <= 0
func ComputeFees(
	mod PositionModification,
	skew num.SignedUint,
	price, baseDenomPrice decimal.Decimal,
	params *PerpParams,
) (openingFee, closingFee num.SignedUint, err error) {
	openingFee = num.ZeroSignedUint()
	closingFee = num.ZeroSignedUint()

	switch mod.Kind {
	case ModificationNone:
		return openingFee, closingFee, nil

	case ModificationIncrease:
		exec, perr := OpeningExecutionPrice(skew, params.SkewScale, mod.Q, price)
		if perr != nil {
			return num.SignedUint{}, num.SignedUint{}, perr
		}
		openingFee, err = singleFee(mod.Q, exec, params.OpeningFeeRate, baseDenomPrice)
		return openingFee, closingFee, err

	case ModificationDecrease:
		exec, perr := ClosingExecutionPrice(skew, params.SkewScale, mod.Q, price)
		if perr != nil {
			return num.SignedUint{}, num.SignedUint{}, perr
		}
		closingFee, err = singleFee(mod.Q, exec, params.ClosingFeeRate, baseDenomPrice)
		return openingFee, closingFee, err

	case ModificationFlip:
		// 平仓腿: 旧仓在翻转前的 skew
		closeExec, perr := ClosingExecutionPrice(skew, params.SkewScale, mod.OldSize, price)
		if perr != nil {
			return num.SignedUint{}, num.SignedUint{}, perr
		}
		if closingFee, err = singleFee(mod.OldSize, closeExec, params.ClosingFeeRate, baseDenomPrice); err != nil {
			return num.SignedUint{}, num.SignedUint{}, err
		}
		// 开仓腿: 摘除旧仓后的 skew
		skewAfterClose, serr := skew.Sub(mod.OldSize)
		if serr != nil {
			return num.SignedUint{}, num.SignedUint{}, serr
		}
		openExec, perr := OpeningExecutionPrice(skewAfterClose, params.SkewScale, mod.NewSize, price)
		if perr != nil {
			return num.SignedUint{}, num.SignedUint{}, perr
		}
		openingFee, err = singleFee(mod.NewSize, openExec, params.OpeningFeeRate, baseDenomPrice)
		return openingFee, closingFee, err
	}
	return openingFee, closingFee, nil
}

// =============================================================================
// PnL (base denom 数量口径)
// =============================================================================

// ComputePnl 对仓位的旧 size 做一次完整 PnL 分解
//
// funding 必须已推进到当前时刻; skew 是变动前的市场 skew
// 查询路径传 ModificationNone 得到零费用的纯浮动 PnL
func ComputePnl(
	pos *Position,
	funding Funding,
	skew num.SignedUint,
	price, baseDenomPrice decimal.Decimal,
	params *PerpParams,
	mod PositionModification,
) (PnlAmounts, error) {
	out := ZeroPnlAmounts()
	var err error

	// 新开仓 (旧 size 为零) 没有存量盈亏，只收开仓腿的费
	if !pos.Size.IsZero() {
		// price_pnl = size * (exit_exec - entry_exec) / base_price (floor)
		exitExec, perr := ClosingExecutionPrice(skew, params.SkewScale, pos.Size, price)
		if perr != nil {
			return PnlAmounts{}, perr
		}
		priceDelta, perr := num.SignedDecFromDec(exitExec).Sub(num.SignedDecFromDec(pos.EntryExecPrice))
		if perr != nil {
			return PnlAmounts{}, perr
		}
		priceValue, perr := pos.Size.ToSignedDec().Mul(priceDelta)
		if perr != nil {
			return PnlAmounts{}, perr
		}
		pricePnlDec, perr := priceValue.DivDec(baseDenomPrice)
		if perr != nil {
			return PnlAmounts{}, perr
		}
		out.PricePnl = pricePnlDec.FloorToUint()

		// accrued_funding = size * Δindex (floor，指数已是 base denom 计价)
		indexDelta, perr := funding.LastFundingAccruedPerUnitInBaseDenom.
			Sub(pos.EntryAccruedFundingPerUnitInBaseDenom)
		if perr != nil {
			return PnlAmounts{}, perr
		}
		if out.AccruedFunding, perr = pos.Size.MulDecFloor(indexDelta); perr != nil {
			return PnlAmounts{}, perr
		}
	}

	if out.OpeningFee, out.ClosingFee, err = ComputeFees(mod, skew, price, baseDenomPrice, params); err != nil {
		return PnlAmounts{}, err
	}

	if out.Pnl, err = sumPnlAmounts(out); err != nil {
		return PnlAmounts{}, err
	}
	return out, nil
}

// UnrealizedPnlValues 仓位的未实现 PnL (计价货币价值口径，记账引擎用)
//
// closing_fee 是"现在平掉要付的费"的预估，价值口径不取整
func UnrealizedPnlValues(
	pos *Position,
	funding Funding,
	skew num.SignedUint,
	price, baseDenomPrice decimal.Decimal,
	params *PerpParams,
) (PnlValues, error) {
	out := ZeroPnlValues()
	if pos.Size.IsZero() {
		return out, nil
	}

	exitExec, err := ClosingExecutionPrice(skew, params.SkewScale, pos.Size, price)
	if err != nil {
		return PnlValues{}, err
	}
	priceDelta, err := num.SignedDecFromDec(exitExec).Sub(num.SignedDecFromDec(pos.EntryExecPrice))
	if err != nil {
		return PnlValues{}, err
	}
	if out.PricePnl, err = pos.Size.ToSignedDec().Mul(priceDelta); err != nil {
		return PnlValues{}, err
	}

	// 资金费指数是 base denom 数量口径，乘回 base_price 得价值
	indexDelta, err := funding.LastFundingAccruedPerUnitInBaseDenom.
		Sub(pos.EntryAccruedFundingPerUnitInBaseDenom)
	if err != nil {
		return PnlValues{}, err
	}
	fundingAmount, err := pos.Size.ToSignedDec().Mul(indexDelta)
	if err != nil {
		return PnlValues{}, err
	}
	if out.AccruedFunding, err = fundingAmount.MulDec(baseDenomPrice); err != nil {
		return PnlValues{}, err
	}

	// 预估平仓费 (负值)
	feeValue, err := num.NewSignedUint(pos.Size.Abs(), false).ToSignedDec().MulDec(exitExec)
	if err != nil {
		return PnlValues{}, err
	}
	if feeValue, err = feeValue.MulDec(params.ClosingFeeRate); err != nil {
		return PnlValues{}, err
	}
	out.ClosingFee = feeValue.Neg()

	sum, err := out.PricePnl.Add(out.AccruedFunding)
	if err != nil {
		return PnlValues{}, err
	}
	if out.Pnl, err = sum.Add(out.ClosingFee); err != nil {
		return PnlValues{}, err
	}
	return out, nil
}

func sumPnlAmounts(p PnlAmounts) (num.SignedUint, error) {
	sum, err := p.PricePnl.Add(p.AccruedFunding)
	if err != nil {
		return num.SignedUint{}, err
	}
	if sum, err = sum.Add(p.OpeningFee); err != nil {
		return num.SignedUint{}, err
	}
	return sum.Add(p.ClosingFee)
}

// =============================================================================
// 协议费切分
// =============================================================================

// CarveProtocolFee 从已实现费用里切出协议分成
//
// 协议费按费用"绝对值"的 protocol_fee_rate 比例向上取整;
// 返回 (协议费总额 >= 0, 扣除协议费后给现金流看的 PnL 分解)
// 交易员视角的 realized 不变: 交易员付全额费用，分成是金库和协议之间的事
// 现金流累加器只允许看到切分后的净额
func CarveProtocolFee(realized PnlAmounts, protocolFeeRate decimal.Decimal) (decimal.Decimal, PnlAmounts, error) {
	if protocolFeeRate.IsZero() {
		return decimal.Zero, realized, nil
	}

	openingCut := realized.OpeningFee.Abs().Mul(protocolFeeRate).Ceil()
	closingCut := realized.ClosingFee.Abs().Mul(protocolFeeRate).Ceil()
	total := openingCut.Add(closingCut)

	// 金库侧费用幅值减去协议分成 (费用是负数，加上正的 cut 即幅值变小)
	vault := realized
	var err error
	if vault.OpeningFee, err = realized.OpeningFee.Add(num.NewSignedUint(openingCut, false)); err != nil {
		return decimal.Zero, PnlAmounts{}, err
	}
	if vault.ClosingFee, err = realized.ClosingFee.Add(num.NewSignedUint(closingCut, false)); err != nil {
		return decimal.Zero, PnlAmounts{}, err
	}
	if vault.Pnl, err = sumPnlAmounts(vault); err != nil {
		return decimal.Zero, PnlAmounts{}, err
	}
	return total, vault, nil
}
