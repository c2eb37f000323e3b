// 文件: pkg/perp/deleverage.go
// 强制减仓: 触发条件 / 候选选择 / 改善校验
//
// 【触发条件】二选一
// (a) 抵押率 CR 低于目标值
// (b) 任一 denom 的单侧 OI 价值超限
//
// 【选择策略】(必须严格按此顺序)
// 1. OI 超限: 候选集限定在超限侧、平掉能降低该侧 OI 的仓位，
//    取浮盈最大的 (赢家是金库负债，平掉最大赢家同时改善 OI 和 CR)
// 2. 仅 CR 不达标: 全市场取浮亏最大的交易员仓位
//    (平掉亏损仓位把亏损转成金库现金流，直接抬升 CR)
//
// 【改善校验】
// 试算平仓后的指标: CR 触发的必须 CR 不降，OI 触发的必须该侧 OI 下降;
// 不满足宁可整笔失败 (ErrDeleverageInvalidPosition)，不执行有害强平。
// 试算用覆盖快照完成，校验不过不落任何状态。
//
// 强平永远全平 (没有部分减仓)，走与主动平仓完全相同的 PnL/费用/记账路径，
// 取价用 Liquidation 口径 (喂价缺失/过期直接失败)

package perp

import (
	"context"
	"log"
	"sort"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
	"perpx.com/pkg/oracle"
)

// deleverageTrigger 触发原因
type deleverageTrigger struct {
	// oiBreach 超限的一侧: "" 表示无超限
	oiBreachDenom string
	oiBreachLong  bool
	// crBreach CR 低于目标
	crBreach bool
	preCR    *decimal.Decimal
}

// checkDeleverageTrigger 扫描触发条件
func (e *Engine) checkDeleverageTrigger(ctx context.Context, totals *EngineTotals) (*deleverageTrigger, error) {
	trig := &deleverageTrigger{preCR: totals.CollateralizationRatio}

	if totals.CollateralizationRatio != nil &&
		totals.CollateralizationRatio.LessThan(e.cfg.TargetCollateralizationRatio) {
		trig.crBreach = true
	}

	denoms, err := e.store.ListDenomStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, ds := range denoms {
		params, perr := e.params.QueryPerpParams(ctx, ds.Denom)
		if perr != nil {
			return nil, perr
		}
		price, perr := e.oracle.QueryPrice(ds.Denom, oracle.ModeDefault)
		if perr != nil {
			return nil, perr
		}
		if !params.MaxLongOIValue.IsZero() && ds.LongOI.Mul(price).GreaterThan(params.MaxLongOIValue) {
			trig.oiBreachDenom = ds.Denom
			trig.oiBreachLong = true
			break
		}
		if !params.MaxShortOIValue.IsZero() && ds.ShortOI.Mul(price).GreaterThan(params.MaxShortOIValue) {
			trig.oiBreachDenom = ds.Denom
			trig.oiBreachLong = false
			break
		}
		// 净 OI 超限: 平掉较大一侧才能缩小净敞口，候选集限定在该侧
		if !params.MaxNetOIValue.IsZero() &&
			ds.LongOI.Sub(ds.ShortOI).Abs().Mul(price).GreaterThan(params.MaxNetOIValue) {
			trig.oiBreachDenom = ds.Denom
			trig.oiBreachLong = ds.LongOI.GreaterThanOrEqual(ds.ShortOI)
			break
		}
	}
	return trig, nil
}

// deleverageCandidate 候选仓位及其浮动盈亏
type deleverageCandidate struct {
	Key        PositionKey
	Unrealized num.SignedDecimal
}

// SelectDeleverageTarget 按策略挑出应被强平的仓位
//
// 机器人/keeper 先调这个拿到目标，再调 Deleverage 执行
func (e *Engine) SelectDeleverageTarget(ctx context.Context) (*PositionKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	totals, err := e.computeTotals(ctx, nil, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	trig, err := e.checkDeleverageTrigger(ctx, totals)
	if err != nil {
		return nil, err
	}
	if trig.oiBreachDenom == "" && !trig.crBreach {
		return nil, ErrDeleverageNotRequired
	}
	return e.selectCandidate(ctx, trig)
}

func (e *Engine) selectCandidate(ctx context.Context, trig *deleverageTrigger) (*PositionKey, error) {
	candidates, err := e.collectCandidates(ctx, trig)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrDeleverageInvalidPosition
	}

	// 同值时按 account id 排序保证确定性
	if trig.oiBreachDenom != "" {
		// OI 超限: 取浮盈最大的
		sort.Slice(candidates, func(i, j int) bool {
			c := candidates[i].Unrealized.Cmp(candidates[j].Unrealized)
			if c != 0 {
				return c > 0
			}
			return candidates[i].Key.AccountID < candidates[j].Key.AccountID
		})
	} else {
		// 仅 CR: 取浮亏最大的
		sort.Slice(candidates, func(i, j int) bool {
			c := candidates[i].Unrealized.Cmp(candidates[j].Unrealized)
			if c != 0 {
				return c < 0
			}
			return candidates[i].Key.AccountID < candidates[j].Key.AccountID
		})
	}
	return &candidates[0].Key, nil
}

// collectCandidates 按触发原因圈定候选集并算浮动盈亏
func (e *Engine) collectCandidates(ctx context.Context, trig *deleverageTrigger) ([]deleverageCandidate, error) {
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}

	var denoms []*DenomState
	if trig.oiBreachDenom != "" {
		ds, derr := e.store.GetDenomState(ctx, trig.oiBreachDenom)
		if derr != nil {
			return nil, derr
		}
		denoms = []*DenomState{ds}
	} else {
		if denoms, err = e.store.ListDenomStates(ctx); err != nil {
			return nil, err
		}
	}

	now := e.now()
	var out []deleverageCandidate
	for _, ds := range denoms {
		params, perr := e.params.QueryPerpParams(ctx, ds.Denom)
		if perr != nil {
			return nil, perr
		}
		price, perr := e.oracle.QueryPrice(ds.Denom, oracle.ModeDefault)
		if perr != nil {
			return nil, perr
		}
		skew, serr := ds.Skew()
		if serr != nil {
			return nil, serr
		}
		funding, ferr := CurrentFunding(ds.Funding, skew, price, basePrice, ds.LastUpdated, now)
		if ferr != nil {
			return nil, ferr
		}
		positions, lerr := e.store.ListPositionsByDenom(ctx, ds.Denom)
		if lerr != nil {
			return nil, lerr
		}
		for _, pos := range positions {
			// OI 超限时只收超限侧 (平掉才会降低该侧 OI)
			if trig.oiBreachDenom != "" && pos.Size.IsNegative() == trig.oiBreachLong {
				continue
			}
			pv, uerr := UnrealizedPnlValues(pos, funding, skew, price, basePrice, params)
			if uerr != nil {
				return nil, uerr
			}
			out = append(out, deleverageCandidate{
				Key:        PositionKey{AccountID: pos.AccountID, Denom: pos.Denom},
				Unrealized: pv.Pnl,
			})
		}
	}
	return out, nil
}

// Deleverage 强制全平指定仓位
//
// 开关打开时任意调用方可触发 (keeper 激励模式)
func (e *Engine) Deleverage(ctx context.Context, accountID, denom string) (*PositionChange, error) {
	if !e.cfg.DeleverageEnabled {
		return nil, ErrDeleverageDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	preTotals, err := e.computeTotals(ctx, nil, oracle.ModeLiquidation)
	if err != nil {
		return nil, err
	}
	trig, err := e.checkDeleverageTrigger(ctx, preTotals)
	if err != nil {
		return nil, err
	}
	if trig.oiBreachDenom == "" && !trig.crBreach {
		return nil, ErrDeleverageNotRequired
	}

	// OI 超限触发时目标仓位必须在超限侧
	if trig.oiBreachDenom != "" {
		if denom != trig.oiBreachDenom {
			return nil, ErrDeleverageInvalidPosition
		}
		pos, perr := e.store.GetPosition(ctx, accountID, denom)
		if perr != nil {
			return nil, perr
		}
		if pos.Size.IsNegative() == trig.oiBreachLong {
			return nil, ErrDeleverageInvalidPosition
		}
	}

	// 试算: 强平走 Liquidation 取价，喂价有问题直接失败
	cs, change, err := e.buildModify(ctx, accountID, denom, num.ZeroSignedUint(), false, oracle.ModeLiquidation)
	if err != nil {
		return nil, err
	}

	// 改善校验 (覆盖快照，不落库)
	var postDS *DenomState
	for i := range cs.SetDenomStates {
		if cs.SetDenomStates[i].Denom == denom {
			postDS = &cs.SetDenomStates[i]
		}
	}
	if trig.oiBreachDenom != "" {
		preDS, derr := e.store.GetDenomState(ctx, denom)
		if derr != nil {
			return nil, derr
		}
		improved := false
		if trig.oiBreachLong {
			improved = postDS.LongOI.LessThan(preDS.LongOI)
		} else {
			improved = postDS.ShortOI.LessThan(preDS.ShortOI)
		}
		if !improved {
			return nil, ErrDeleverageInvalidPosition
		}
	}
	if trig.crBreach {
		overlay := &totalsOverlay{
			denomState: postDS,
			exclude:    &PositionKey{AccountID: accountID, Denom: denom},
			cashFlow:   cs.GlobalCashFlow,
		}
		postTotals, terr := e.computeTotals(ctx, overlay, oracle.ModeLiquidation)
		if terr != nil {
			return nil, terr
		}
		if !crImproved(trig.preCR, postTotals.CollateralizationRatio) {
			return nil, ErrDeleverageInvalidPosition
		}
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}
	e.publishFundingSettled(cs)
	log.Printf("[Deleverage] 强平 account=%s denom=%s size=%s realized=%s",
		accountID, denom, change.OldSize, change.Realized.Pnl)
	e.afterPositionChange(ctx, change, true)
	return change, nil
}

// crImproved 平仓后 CR 不得低于平仓前; 负债清零视为完全改善
func crImproved(pre, post *decimal.Decimal) bool {
	if post == nil {
		return true
	}
	if pre == nil {
		// 此前无负债、平仓后出现负债，只会更糟
		return false
	}
	return post.GreaterThanOrEqual(*pre)
}
