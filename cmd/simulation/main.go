// 文件: cmd/simulation/main.go
// 永续引擎端到端仿真
//
// 内存存储 + 模拟喂价跑一遍完整链路:
// LP 入金 → denom 上线 → 开仓/加仓/翻转/平仓 → 资金费随时间计提
// → 价格波动把金库打到 CR 不足 → 强制减仓 → LP 解锁提款

package main

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/ledger"
	"perpx.com/pkg/num"
	"perpx.com/pkg/oracle"
	"perpx.com/pkg/perp"
)

const (
	creditManager = "credit-manager"
	baseDenom     = "uusdc"
)

func main() {
	log.Println("==== 永续引擎仿真开始 ====")

	ctx := context.Background()

	// ===== 组装: 内存存储 + 模拟喂价 + 内存流水 =====
	feed := oracle.NewPriceFeed()
	store := perp.NewMemoryStore()
	registry := perp.NewMemoryParamsRegistry()
	journal := ledger.NewMemoryJournal()

	// 可控时钟: 仿真自己推进时间
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := perp.DefaultEngineConfig()
	cfg.BaseDenom = baseDenom
	cfg.CreditManager = creditManager
	cfg.CooldownPeriod = 24 * time.Hour
	engine := perp.NewEngine(cfg, store, registry, feed).
		WithJournal(journal).
		WithClock(clock)

	must(feed.UpdatePrice(baseDenom, decimal.NewFromInt(1)))
	must(feed.UpdatePrice("uatom", decimal.RequireFromString("10")))

	// ===== denom 上线 =====
	params := &perp.PerpParams{
		Denom:              "uatom",
		OpeningFeeRate:     decimal.RequireFromString("0.001"),
		ClosingFeeRate:     decimal.RequireFromString("0.00075"),
		ProtocolFeeRate:    decimal.RequireFromString("0.25"),
		SkewScale:          decimal.RequireFromString("1000000000"),
		MaxFundingVelocity: decimal.RequireFromString("3"),
		MinPositionValue:   decimal.RequireFromString("100"),
		MaxLongOIValue:     decimal.RequireFromString("10000000"),
		MaxShortOIValue:    decimal.RequireFromString("10000000"),
	}
	must(engine.InitDenom(ctx, creditManager, params))
	must(engine.EnableDenom(ctx, creditManager, "uatom"))

	// ===== LP 入金 =====
	shares, err := engine.Deposit(ctx, creditManager, "lp-1", decimal.NewFromInt(1_000_000))
	must(err)
	log.Printf("[Sim] LP 入金 1000000，铸造份额 %s", shares)

	// ===== 交易员开仓 =====
	change, err := engine.OpenOrModifyPosition(ctx, creditManager, "trader-1", "uatom",
		num.SignedUintFromInt64(50_000), false)
	must(err)
	log.Printf("[Sim] trader-1 开多 50000，执行价 %s，开仓费 %s",
		change.EntryExecPrice, change.Realized.OpeningFee)

	change, err = engine.OpenOrModifyPosition(ctx, creditManager, "trader-2", "uatom",
		num.SignedUintFromInt64(-30_000), false)
	must(err)
	log.Printf("[Sim] trader-2 开空 30000，执行价 %s", change.EntryExecPrice)

	// ===== 时间推进 8 小时，资金费计提 =====
	now = now.Add(8 * time.Hour)
	ds, err := engine.QueryDenomState(ctx, "uatom")
	must(err)
	log.Printf("[Sim] 8h 后资金费率 %s，指数 %s",
		ds.Funding.LastFundingRate, ds.Funding.LastFundingAccruedPerUnitInBaseDenom)

	// ===== 翻转: trader-2 空转多 =====
	change, err = engine.OpenOrModifyPosition(ctx, creditManager, "trader-2", "uatom",
		num.SignedUintFromInt64(20_000), false)
	must(err)
	log.Printf("[Sim] trader-2 翻转到多 20000，结算 PnL %s (平仓费 %s + 开仓费 %s)",
		change.Realized.Pnl, change.Realized.ClosingFee, change.Realized.OpeningFee)

	// ===== 价格暴涨，多头浮盈变成金库负债 =====
	must(feed.UpdatePrice("uatom", decimal.RequireFromString("14")))
	now = now.Add(time.Hour)

	solvency, err := engine.QueryVaultSolvency(ctx)
	must(err)
	if solvency.CollateralizationRatio != nil {
		log.Printf("[Sim] 暴涨后 CR = %s (目标 %s)",
			solvency.CollateralizationRatio, cfg.TargetCollateralizationRatio)
	} else {
		log.Printf("[Sim] 暴涨后无负债")
	}

	// ===== 强制减仓 =====
	target, err := engine.SelectDeleverageTarget(ctx)
	switch err {
	case nil:
		log.Printf("[Sim] 减仓目标: account=%s denom=%s", target.AccountID, target.Denom)
		dchange, derr := engine.Deleverage(ctx, target.AccountID, target.Denom)
		must(derr)
		log.Printf("[Sim] 强平完成，结算 PnL %s", dchange.Realized.Pnl)
	case perp.ErrDeleverageNotRequired:
		log.Printf("[Sim] 偿付能力充足，无需减仓")
	default:
		must(err)
	}

	// ===== 剩余仓位全平 =====
	for _, trader := range []string{"trader-1", "trader-2"} {
		changes, cerr := engine.CloseAllPositions(ctx, creditManager, trader, oracle.ModeDefault)
		must(cerr)
		for _, c := range changes {
			log.Printf("[Sim] %s 平仓 %s，累计结算 %s", trader, c.Denom, c.Realized.Pnl)
		}
	}

	// ===== LP 解锁 + 提款 =====
	unlock, err := engine.Unlock(ctx, creditManager, "lp-1", shares)
	must(err)
	log.Printf("[Sim] LP 解锁 %s，冷却到 %s", unlock.Amount, unlock.CooldownEnd)

	now = now.Add(25 * time.Hour)
	paid, err := engine.Withdraw(ctx, creditManager, "lp-1")
	must(err)
	log.Printf("[Sim] LP 提款 %s", paid)

	// ===== 对账: 流水与全局现金流 =====
	total, err := engine.QueryTotalAccounting(ctx)
	must(err)
	cfTotal, err := total.CashFlow.Total()
	must(err)
	log.Printf("[Sim] 全局现金流合计 %s，流水 %d 条", cfTotal, len(journal.Events()))

	log.Println("==== 仿真结束 ====")
}

func must(err error) {
	if err != nil {
		log.Fatalf("[Sim] 失败: %v", err)
	}
}
