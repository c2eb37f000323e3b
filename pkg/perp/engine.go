// 文件: pkg/perp/engine.go
// 永续引擎编排层
//
// 【执行模型】
// 单线程事务式: 每个外部调用拿到引擎大锁后独占执行，
// 先做全部纯计算 (任何算术错误在这一步中止，状态零变更)，
// 算完得到一个 ChangeSet，最后一次 Commit 原子落库。
// 事件发布和结算流水都在落库之后，尽力而为。
//
// 【权限】
// 所有改仓位/金库的操作只允许配置的 credit manager 调用
// (PnL 结算和保证金记账在那边)；deleverage 在开关打开时放开给任意调用方
//
// 【调用链】
// OpenOrModifyPosition
//   → RefreshFunding (变动前 skew)
//   → ClassifyModification → 校验 (enabled / reduce_only / 仓位价值 / OI)
//   → ComputePnl (旧 size、变动前 skew) → CarveProtocolFee
//   → OI/累加器精确增量 → 仓位五字段刷新
//   → Commit → 事件 + 流水

package perp

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
	"perpx.com/pkg/oracle"
)

// SettlementJournal 已实现 PnL 的结算流水出口 (credit manager 对账用)
// 落库后调用，失败只打日志不回滚
type SettlementJournal interface {
	JournalRealized(ctx context.Context, accountID, denom string, realized PnlAmounts, protocolFee decimal.Decimal) error
	JournalVault(ctx context.Context, accountID, action string, amount decimal.Decimal) error
}

// EngineConfig 引擎配置
type EngineConfig struct {
	// BaseDenom 结算货币 (如 "uusdc")
	BaseDenom string
	// CreditManager 唯一授权的调用方身份
	CreditManager string
	// MaxPositions 单账户并发仓位上限
	MaxPositions int
	// CooldownPeriod LP 解锁冷却期
	CooldownPeriod time.Duration
	// TargetCollateralizationRatio 金库目标抵押率，低于即可触发减仓
	TargetCollateralizationRatio decimal.Decimal
	// DeleverageEnabled 强制减仓开关
	DeleverageEnabled bool
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BaseDenom:                    "uusdc",
		CreditManager:                "credit-manager",
		MaxPositions:                 4,
		CooldownPeriod:               7 * 24 * time.Hour,
		TargetCollateralizationRatio: decimal.NewFromFloat(1.25),
		DeleverageEnabled:            true,
	}
}

// Engine 永续引擎
type Engine struct {
	mu sync.Mutex

	cfg       EngineConfig
	store     Store
	params    ParamsRegistry
	oracle    oracle.Oracle
	publisher EventPublisher
	journal   SettlementJournal
	now       func() time.Time
}

// NewEngine 组装引擎，事件/流水出口默认为空
func NewEngine(cfg EngineConfig, store Store, params ParamsRegistry, o oracle.Oracle) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		params:    params,
		oracle:    o,
		publisher: NoopPublisher{},
		now:       time.Now,
	}
}

// WithPublisher 注入事件发布器
func (e *Engine) WithPublisher(p EventPublisher) *Engine {
	e.publisher = p
	return e
}

// WithJournal 注入结算流水
func (e *Engine) WithJournal(j SettlementJournal) *Engine {
	e.journal = j
	return e
}

// WithClock 注入时钟 (测试/仿真控制时间推进)
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) authorize(caller string) error {
	if caller != e.cfg.CreditManager {
		return ErrUnauthorized
	}
	return nil
}

// =============================================================================
// Denom 生命周期
// =============================================================================

// InitDenom 初始化 denom: 参数校验 (skew_scale != 0 在这里拦截) + 零状态落库
// 初始为 disabled，需显式 EnableDenom
func (e *Engine) InitDenom(ctx context.Context, caller string, params *PerpParams) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.GetDenomState(ctx, params.Denom); err == nil {
		return ErrDenomExists
	} else if !errors.Is(err, ErrDenomNotFound) {
		return err
	}
	if err := e.params.SetPerpParams(ctx, params); err != nil {
		return err
	}

	ds := NewDenomState(params.Denom, params.MaxFundingVelocity, params.SkewScale, e.now())
	cs := &ChangeSet{SetDenomStates: []DenomState{ds}}
	if err := e.store.Commit(ctx, cs); err != nil {
		return err
	}
	log.Printf("[Engine] denom 初始化: %s skew_scale=%s", params.Denom, params.SkewScale)
	return nil
}

// EnableDenom 开放交易
func (e *Engine) EnableDenom(ctx context.Context, caller, denom string) error {
	return e.setDenomEnabled(ctx, caller, denom, true)
}

// DisableDenom 停开仓 (已有仓位仍可减仓/平仓)
func (e *Engine) DisableDenom(ctx context.Context, caller, denom string) error {
	return e.setDenomEnabled(ctx, caller, denom, false)
}

func (e *Engine) setDenomEnabled(ctx context.Context, caller, denom string, enabled bool) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return err
	}
	ds.Enabled = enabled
	return e.store.Commit(ctx, &ChangeSet{SetDenomStates: []DenomState{*ds}})
}

// =============================================================================
// 仓位操作
// =============================================================================

// PositionChange 一次仓位操作的结果
type PositionChange struct {
	AccountID string
	Denom     string
	Kind      ModificationKind
	OldSize   num.SignedUint
	NewSize   num.SignedUint
	// EntryExecPrice 幸存仓位刷新后的执行价 (平仓时为零值)
	EntryExecPrice decimal.Decimal
	// Realized 本次结算的交易员 PnL (含费用)
	Realized PnlAmounts
	// ProtocolFee 切给协议的费用分成
	ProtocolFee decimal.Decimal
	Closed      bool
}

// OpenOrModifyPosition 把 (account, denom) 的仓位调整到目标 newSize
//
// newSize 为零等价于平仓; 不存在仓位且 newSize 非零即开仓
func (e *Engine) OpenOrModifyPosition(ctx context.Context, caller, accountID, denom string, newSize num.SignedUint, reduceOnly bool) (*PositionChange, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, change, err := e.buildModify(ctx, accountID, denom, newSize, reduceOnly, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}
	e.publishFundingSettled(cs)
	e.afterPositionChange(ctx, change, false)
	return change, nil
}

// ClosePosition 全平
func (e *Engine) ClosePosition(ctx context.Context, caller, accountID, denom string) (*PositionChange, error) {
	return e.OpenOrModifyPosition(ctx, caller, accountID, denom, num.ZeroSignedUint(), false)
}

// CloseAllPositions 平掉账户全部仓位
// pricingMode 允许上游在清算流程里用 Liquidation 口径取价
func (e *Engine) CloseAllPositions(ctx context.Context, caller, accountID string, mode oracle.PricingMode) ([]*PositionChange, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	positions, err := e.store.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	changes := make([]*PositionChange, 0, len(positions))
	for _, pos := range positions {
		cs, change, err := e.buildModify(ctx, accountID, pos.Denom, num.ZeroSignedUint(), false, mode)
		if err != nil {
			return nil, err
		}
		if err := e.store.Commit(ctx, cs); err != nil {
			return nil, err
		}
		e.publishFundingSettled(cs)
		e.afterPositionChange(ctx, change, false)
		changes = append(changes, change)
	}
	return changes, nil
}

// buildModify 仓位操作的纯计算段: 校验 + 结算 + 增量，产出 ChangeSet 不落库
func (e *Engine) buildModify(ctx context.Context, accountID, denom string, newSize num.SignedUint, reduceOnly bool, mode oracle.PricingMode) (*ChangeSet, *PositionChange, error) {
	params, err := e.params.QueryPerpParams(ctx, denom)
	if err != nil {
		return nil, nil, err
	}
	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return nil, nil, err
	}
	price, err := e.oracle.QueryPrice(denom, mode)
	if err != nil {
		return nil, nil, err
	}
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, mode)
	if err != nil {
		return nil, nil, err
	}

	// 旧仓位; 不存在则视为开仓
	pos, err := e.store.GetPosition(ctx, accountID, denom)
	opening := false
	if errors.Is(err, ErrPositionNotFound) {
		if newSize.IsZero() {
			return nil, nil, ErrPositionNotFound
		}
		count, cerr := e.store.CountPositionsByAccount(ctx, accountID)
		if cerr != nil {
			return nil, nil, cerr
		}
		if count >= e.cfg.MaxPositions {
			return nil, nil, ErrMaxPositionsReached
		}
		opening = true
		pos = &Position{
			AccountID:   accountID,
			Denom:       denom,
			Size:        num.ZeroSignedUint(),
			EntryPrice:  price,
			RealizedPnl: ZeroPnlAmounts(),
			OpenedAt:    e.now(),
		}
	} else if err != nil {
		return nil, nil, err
	}
	oldSize := pos.Size

	// 变动前 skew，资金费对区间内实际敞口计提
	preSkew, err := ds.Skew()
	if err != nil {
		return nil, nil, err
	}
	if err := ds.RefreshFunding(price, basePrice, e.now()); err != nil {
		return nil, nil, err
	}

	mod, err := ClassifyModification(oldSize, newSize)
	if err != nil {
		return nil, nil, err
	}
	if reduceOnly && !mod.IsReducing() {
		return nil, nil, ErrReduceOnlyViolated
	}
	// 停用的 denom 只出不进
	if !ds.Enabled && (mod.Kind == ModificationIncrease || mod.Kind == ModificationFlip) {
		return nil, nil, ErrDenomNotEnabled
	}
	if err := e.validatePositionValue(mod, opening, newSize, price, params); err != nil {
		return nil, nil, err
	}
	if mod.Kind == ModificationIncrease || mod.Kind == ModificationFlip {
		if err := ValidateOpenInterest(ds, oldSize, newSize, price, params); err != nil {
			return nil, nil, err
		}
	}

	// 旧 size 在变动前 skew 上结算
	realized, err := ComputePnl(pos, ds.Funding, preSkew, price, basePrice, params, mod)
	if err != nil {
		return nil, nil, err
	}
	protocolFee, vaultView, err := CarveProtocolFee(realized, params.ProtocolFeeRate)
	if err != nil {
		return nil, nil, err
	}
	if ds.CashFlow, err = ds.CashFlow.AddRealized(vaultView); err != nil {
		return nil, nil, err
	}
	globalCF, err := e.store.GetGlobalCashFlow(ctx)
	if err != nil {
		return nil, nil, err
	}
	if globalCF, err = globalCF.AddRealized(vaultView); err != nil {
		return nil, nil, err
	}

	// OI: 摘旧侧、挂新侧
	if err := ds.DecreaseOpenInterest(oldSize); err != nil {
		return nil, nil, err
	}
	if err := ds.IncreaseOpenInterest(newSize); err != nil {
		return nil, nil, err
	}

	oldExec := pos.EntryExecPrice
	oldEntryFunding := pos.EntryAccruedFundingPerUnitInBaseDenom

	cs := &ChangeSet{SetDenomStates: nil, GlobalCashFlow: &globalCF}
	change := &PositionChange{
		AccountID:   accountID,
		Denom:       denom,
		Kind:        mod.Kind,
		OldSize:     oldSize,
		NewSize:     newSize,
		Realized:    realized,
		ProtocolFee: protocolFee,
	}

	if newSize.IsZero() {
		// 平仓: 仓位删除，累加器按减到零的增量调整
		if err := ds.ApplyAccumulatorDelta(
			oldSize, oldExec, oldEntryFunding,
			num.ZeroSignedUint(), decimal.Zero, num.ZeroSignedDec(),
		); err != nil {
			return nil, nil, err
		}
		cs.DeletePositions = []PositionKey{{AccountID: accountID, Denom: denom}}
		change.Closed = true
	} else {
		// 幸存仓位五字段刷新:
		// 执行价按 "摘掉旧仓后的 skew 上重新开 newSize" 口径重算
		initialSkew, serr := preSkew.Sub(oldSize)
		if serr != nil {
			return nil, nil, serr
		}
		newExec, perr := OpeningExecutionPrice(initialSkew, params.SkewScale, newSize, price)
		if perr != nil {
			return nil, nil, perr
		}
		if err := ds.ApplyAccumulatorDelta(
			oldSize, oldExec, oldEntryFunding,
			newSize, newExec, ds.Funding.LastFundingAccruedPerUnitInBaseDenom,
		); err != nil {
			return nil, nil, err
		}

		pos.Size = newSize
		pos.EntryPrice = price
		pos.EntryExecPrice = newExec
		pos.EntryAccruedFundingPerUnitInBaseDenom = ds.Funding.LastFundingAccruedPerUnitInBaseDenom
		pos.InitialSkew = initialSkew
		if pos.RealizedPnl, err = pos.RealizedPnl.Add(realized); err != nil {
			return nil, nil, err
		}
		pos.UpdatedAt = e.now()
		cs.SetPositions = []Position{*pos}
		change.EntryExecPrice = newExec
	}

	// 账户维度已实现 PnL 累计
	acctPnl, err := e.store.GetRealizedPnl(ctx, accountID, denom)
	if err != nil {
		return nil, nil, err
	}
	if acctPnl, err = acctPnl.Add(realized); err != nil {
		return nil, nil, err
	}
	cs.SetRealizedPnl = []AccountPnl{{AccountID: accountID, Denom: denom, Amounts: acctPnl}}
	cs.SetDenomStates = []DenomState{*ds}

	return cs, change, nil
}

// validatePositionValue 仓位价值上下限
//
// 开仓/翻转查上下限; 加仓只查上限; 减仓只查下限 (减到零跳过)
func (e *Engine) validatePositionValue(mod PositionModification, opening bool, newSize num.SignedUint, price decimal.Decimal, params *PerpParams) error {
	if newSize.IsZero() {
		return nil
	}
	value := newSize.Abs().Mul(price)

	checkMin := opening || mod.Kind == ModificationDecrease || mod.Kind == ModificationFlip
	checkMax := opening || mod.Kind == ModificationIncrease || mod.Kind == ModificationFlip

	if checkMin && value.LessThan(params.MinPositionValue) {
		return ErrPositionValueTooSmall
	}
	if checkMax && !params.MaxPositionValue.IsZero() && value.GreaterThan(params.MaxPositionValue) {
		return ErrPositionValueTooBig
	}
	return nil
}

// publishFundingSettled 仓位操作顺带把资金费推进落了库，通知下游
func (e *Engine) publishFundingSettled(cs *ChangeSet) {
	for i := range cs.SetDenomStates {
		ds := &cs.SetDenomStates[i]
		e.publisher.PublishFundingSettled(&FundingSettledEvent{
			Denom:       ds.Denom,
			FundingRate: ds.Funding.LastFundingRate,
			Index:       ds.Funding.LastFundingAccruedPerUnitInBaseDenom,
			Timestamp:   e.now(),
		})
	}
}

// afterPositionChange 落库后的事件与流水 (尽力而为)
func (e *Engine) afterPositionChange(ctx context.Context, change *PositionChange, deleveraged bool) {
	if e.journal != nil {
		if err := e.journal.JournalRealized(ctx, change.AccountID, change.Denom, change.Realized, change.ProtocolFee); err != nil {
			log.Printf("[Engine] 结算流水写入失败 account=%s denom=%s: %v", change.AccountID, change.Denom, err)
		}
	}
	if deleveraged {
		e.publisher.PublishDeleverage(&DeleverageEvent{
			AccountID: change.AccountID,
			Denom:     change.Denom,
			Size:      change.OldSize,
			Realized:  change.Realized,
			Timestamp: e.now(),
		})
		return
	}
	e.publisher.PublishPositionChanged(&PositionChangedEvent{
		AccountID: change.AccountID,
		Denom:     change.Denom,
		Kind:      change.Kind.String(),
		OldSize:   change.OldSize,
		NewSize:   change.NewSize,
		ExecPrice: change.EntryExecPrice.String(),
		Realized:  change.Realized,
		Timestamp: e.now(),
	})
}

// =============================================================================
// 金库操作
// =============================================================================

// Deposit LP 存入 base denom，按当前份额价格铸造份额
func (e *Engine) Deposit(ctx context.Context, caller, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := e.authorize(caller); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	vault, err := e.store.GetVaultState(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	totals, err := e.computeTotals(ctx, nil, oracle.ModeDefault)
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := SharesForDeposit(&vault, amount, totals.TotalWithdrawalBalance)
	if err != nil {
		return decimal.Zero, err
	}

	if vault.TotalBalance, err = vault.TotalBalance.Add(num.NewSignedUint(amount, false)); err != nil {
		return decimal.Zero, err
	}
	vault.TotalShares = vault.TotalShares.Add(shares)

	acctShares, err := e.store.GetShares(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	cs := &ChangeSet{
		VaultState: &vault,
		SetShares:  map[string]decimal.Decimal{accountID: acctShares.Add(shares)},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return decimal.Zero, err
	}

	e.publisher.PublishVaultChanged(&VaultChangedEvent{
		AccountID:   accountID,
		Action:      "deposit",
		Amount:      amount.String(),
		Shares:      shares.String(),
		TotalShares: vault.TotalShares.String(),
		Timestamp:   e.now(),
	})
	if e.journal != nil {
		if err := e.journal.JournalVault(ctx, accountID, "deposit", amount); err != nil {
			log.Printf("[Engine] 金库流水写入失败 account=%s: %v", accountID, err)
		}
	}
	return shares, nil
}

// Unlock 把份额折算为 base denom 金额挂入冷却队列并销毁份额
func (e *Engine) Unlock(ctx context.Context, caller, accountID string, shares decimal.Decimal) (*UnlockState, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	acctShares, err := e.store.GetShares(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if shares.GreaterThan(acctShares) {
		return nil, ErrInsufficientShares
	}

	vault, err := e.store.GetVaultState(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := e.computeTotals(ctx, nil, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	amount, err := AmountForShares(&vault, shares, totals.TotalWithdrawalBalance)
	if err != nil {
		return nil, err
	}

	vault.TotalShares = vault.TotalShares.Sub(shares)
	unlocks, err := e.store.GetUnlocks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	unlock := UnlockState{
		CreatedAt:   now,
		CooldownEnd: now.Add(e.cfg.CooldownPeriod),
		Amount:      amount,
	}
	unlocks = append(unlocks, unlock)

	cs := &ChangeSet{
		VaultState: &vault,
		SetShares:  map[string]decimal.Decimal{accountID: acctShares.Sub(shares)},
		SetUnlocks: map[string][]UnlockState{accountID: unlocks},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	e.publisher.PublishVaultChanged(&VaultChangedEvent{
		AccountID:   accountID,
		Action:      "unlock",
		Amount:      amount.String(),
		Shares:      shares.String(),
		TotalShares: vault.TotalShares.String(),
		Timestamp:   now,
	})
	return &unlock, nil
}

// Withdraw 支付该账户所有已到期的解锁
func (e *Engine) Withdraw(ctx context.Context, caller, accountID string) (decimal.Decimal, error) {
	if err := e.authorize(caller); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	unlocks, err := e.store.GetUnlocks(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	now := e.now()
	paid := decimal.Zero
	var remaining []UnlockState
	for _, u := range unlocks {
		if u.Matured(now) {
			paid = paid.Add(u.Amount)
		} else {
			remaining = append(remaining, u)
		}
	}
	if paid.IsZero() {
		return decimal.Zero, ErrNoMaturedUnlocks
	}

	vault, err := e.store.GetVaultState(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if vault.TotalBalance, err = vault.TotalBalance.Sub(num.NewSignedUint(paid, false)); err != nil {
		return decimal.Zero, err
	}

	cs := &ChangeSet{
		VaultState: &vault,
		SetUnlocks: map[string][]UnlockState{accountID: remaining},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return decimal.Zero, err
	}

	e.publisher.PublishVaultChanged(&VaultChangedEvent{
		AccountID:   accountID,
		Action:      "withdraw",
		Amount:      paid.String(),
		Shares:      "0",
		TotalShares: vault.TotalShares.String(),
		Timestamp:   now,
	})
	if e.journal != nil {
		if err := e.journal.JournalVault(ctx, accountID, "withdraw", paid); err != nil {
			log.Printf("[Engine] 金库流水写入失败 account=%s: %v", accountID, err)
		}
	}
	return paid, nil
}

// =============================================================================
// 聚合口径计算 (查询与 deleverage 共用)
// =============================================================================

// EngineTotals 金库维度的聚合快照
type EngineTotals struct {
	GlobalCashFlow CashFlow
	// TotalUnrealized 全市场未实现 PnL (价值口径聚合)
	TotalUnrealized PnlValues
	// TotalUnrealizedPnlAmount base denom 数量口径 (floor)
	TotalUnrealizedPnlAmount num.SignedUint
	Accounting               Accounting
	// TotalWithdrawalBalance max(0, wb.total + vault.total_balance)
	TotalWithdrawalBalance decimal.Decimal
	// TotalDebt max(0, 未实现 PnL)
	TotalDebt decimal.Decimal
	// CollateralizationRatio nil 表示无负债 (完全抵押)
	CollateralizationRatio *decimal.Decimal
	// SharePrice nil 表示尚未发行份额
	SharePrice *decimal.Decimal
	Vault      VaultState
}

// totalsOverlay deleverage 的试算覆盖: 用未提交的状态替换存储里的值
type totalsOverlay struct {
	denomState *DenomState
	exclude    *PositionKey
	cashFlow   *CashFlow
}

// computeTotals 聚合全市场现金流与未实现 PnL，算出金库偿付能力口径
// overlay 非空时按覆盖后的假想状态试算 (不落库)
func (e *Engine) computeTotals(ctx context.Context, overlay *totalsOverlay, mode oracle.PricingMode) (*EngineTotals, error) {
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, mode)
	if err != nil {
		return nil, err
	}

	globalCF, err := e.store.GetGlobalCashFlow(ctx)
	if err != nil {
		return nil, err
	}
	if overlay != nil && overlay.cashFlow != nil {
		globalCF = *overlay.cashFlow
	}

	denoms, err := e.store.ListDenomStates(ctx)
	if err != nil {
		return nil, err
	}
	totalUnrealized := ZeroPnlValues()
	now := e.now()
	for _, ds := range denoms {
		if overlay != nil && overlay.denomState != nil && overlay.denomState.Denom == ds.Denom {
			ds = overlay.denomState
		}
		params, perr := e.params.QueryPerpParams(ctx, ds.Denom)
		if perr != nil {
			return nil, perr
		}
		price, perr := e.oracle.QueryPrice(ds.Denom, mode)
		if perr != nil {
			return nil, perr
		}
		// 未实现口径也要把资金费推进到当下 (只算不存)
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
			if overlay != nil && overlay.exclude != nil &&
				overlay.exclude.AccountID == pos.AccountID && overlay.exclude.Denom == pos.Denom {
				continue
			}
			pv, uerr := UnrealizedPnlValues(pos, funding, skew, price, basePrice, params)
			if uerr != nil {
				return nil, uerr
			}
			if totalUnrealized, uerr = totalUnrealized.Add(pv); uerr != nil {
				return nil, uerr
			}
		}
	}

	acct, err := ComputeAccounting(globalCF, totalUnrealized, basePrice)
	if err != nil {
		return nil, err
	}
	vault, err := e.store.GetVaultState(ctx)
	if err != nil {
		return nil, err
	}

	totals := &EngineTotals{
		GlobalCashFlow:  globalCF,
		TotalUnrealized: totalUnrealized,
		Accounting:      acct,
		Vault:           vault,
	}
	unrealizedAmt, err := totalUnrealized.Pnl.DivDec(basePrice)
	if err != nil {
		return nil, err
	}
	totals.TotalUnrealizedPnlAmount = unrealizedAmt.FloorToUint()

	liquidity, err := acct.WithdrawalBalance.Total.Add(vault.TotalBalance)
	if err != nil {
		return nil, err
	}
	totals.TotalWithdrawalBalance = decimal.Max(decimal.Zero, liquidity.Dec())
	totals.TotalDebt = decimal.Max(decimal.Zero, totals.TotalUnrealizedPnlAmount.Dec())

	if totals.TotalDebt.IsPositive() {
		cr := totals.TotalWithdrawalBalance.Div(totals.TotalDebt)
		totals.CollateralizationRatio = &cr
	}
	if sp, ok := SharePrice(&vault, totals.TotalWithdrawalBalance); ok {
		totals.SharePrice = &sp
	}
	return totals, nil
}

// =============================================================================
// 查询
// =============================================================================

// PositionResponse 仓位查询结果 (未实现 PnL 按当下资金费试算)
type PositionResponse struct {
	Position   Position
	Unrealized PnlValues
	// UnrealizedAmounts base denom 数量口径 (零费用查询路径)
	UnrealizedAmounts PnlAmounts
}

// QueryPosition 查询单个仓位及其浮动盈亏
func (e *Engine) QueryPosition(ctx context.Context, accountID, denom string) (*PositionResponse, error) {
	pos, err := e.store.GetPosition(ctx, accountID, denom)
	if err != nil {
		return nil, err
	}
	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return nil, err
	}
	params, err := e.params.QueryPerpParams(ctx, denom)
	if err != nil {
		return nil, err
	}
	price, err := e.oracle.QueryPrice(denom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	skew, err := ds.Skew()
	if err != nil {
		return nil, err
	}
	funding, err := CurrentFunding(ds.Funding, skew, price, basePrice, ds.LastUpdated, e.now())
	if err != nil {
		return nil, err
	}

	unrealized, err := UnrealizedPnlValues(pos, funding, skew, price, basePrice, params)
	if err != nil {
		return nil, err
	}
	// None 修改: 零费用、零 skew 冲击的纯查询分解
	amounts, err := ComputePnl(pos, funding, skew, price, basePrice, params,
		PositionModification{Kind: ModificationNone, OldSize: pos.Size, NewSize: pos.Size})
	if err != nil {
		return nil, err
	}
	return &PositionResponse{Position: *pos, Unrealized: unrealized, UnrealizedAmounts: amounts}, nil
}

// QueryDenomState 查询 denom 聚合状态 (资金费试算到当下，不落库)
func (e *Engine) QueryDenomState(ctx context.Context, denom string) (*DenomState, error) {
	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return nil, err
	}
	price, err := e.oracle.QueryPrice(denom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	skew, err := ds.Skew()
	if err != nil {
		return nil, err
	}
	funding, err := CurrentFunding(ds.Funding, skew, price, basePrice, ds.LastUpdated, e.now())
	if err != nil {
		return nil, err
	}
	ds.Funding = funding
	return ds, nil
}

// QueryRealizedPnl 账户在某 denom 的累计已实现 PnL
func (e *Engine) QueryRealizedPnl(ctx context.Context, accountID, denom string) (PnlAmounts, error) {
	return e.store.GetRealizedPnl(ctx, accountID, denom)
}

// QueryDenomAccounting 单 denom 三口径记账
func (e *Engine) QueryDenomAccounting(ctx context.Context, denom string) (*Accounting, error) {
	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return nil, err
	}
	params, err := e.params.QueryPerpParams(ctx, denom)
	if err != nil {
		return nil, err
	}
	price, err := e.oracle.QueryPrice(denom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	skew, err := ds.Skew()
	if err != nil {
		return nil, err
	}
	funding, err := CurrentFunding(ds.Funding, skew, price, basePrice, ds.LastUpdated, e.now())
	if err != nil {
		return nil, err
	}

	positions, err := e.store.ListPositionsByDenom(ctx, denom)
	if err != nil {
		return nil, err
	}
	unrealized := ZeroPnlValues()
	for _, pos := range positions {
		pv, perr := UnrealizedPnlValues(pos, funding, skew, price, basePrice, params)
		if perr != nil {
			return nil, perr
		}
		if unrealized, perr = unrealized.Add(pv); perr != nil {
			return nil, perr
		}
	}
	acct, err := ComputeAccounting(ds.CashFlow, unrealized, basePrice)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// QueryTotalAccounting 全市场聚合记账
func (e *Engine) QueryTotalAccounting(ctx context.Context) (*Accounting, error) {
	totals, err := e.computeTotals(ctx, nil, oracle.ModeDefault)
	if err != nil {
		return nil, err
	}
	return &totals.Accounting, nil
}

// QueryVaultSolvency 金库偿付能力快照
func (e *Engine) QueryVaultSolvency(ctx context.Context) (*EngineTotals, error) {
	return e.computeTotals(ctx, nil, oracle.ModeDefault)
}

// EstimateFees 预估把仓位调到 newSize 的开/平仓费 (不动任何状态)
func (e *Engine) EstimateFees(ctx context.Context, accountID, denom string, newSize num.SignedUint) (opening, closing num.SignedUint, err error) {
	params, err := e.params.QueryPerpParams(ctx, denom)
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}
	ds, err := e.store.GetDenomState(ctx, denom)
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}
	price, err := e.oracle.QueryPrice(denom, oracle.ModeDefault)
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}
	basePrice, err := e.oracle.QueryPrice(e.cfg.BaseDenom, oracle.ModeDefault)
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}

	oldSize := num.ZeroSignedUint()
	if pos, perr := e.store.GetPosition(ctx, accountID, denom); perr == nil {
		oldSize = pos.Size
	} else if !errors.Is(perr, ErrPositionNotFound) {
		return num.SignedUint{}, num.SignedUint{}, perr
	}

	mod, err := ClassifyModification(oldSize, newSize)
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}
	skew, err := ds.Skew()
	if err != nil {
		return num.SignedUint{}, num.SignedUint{}, err
	}
	return ComputeFees(mod, skew, price, basePrice, params)
}
