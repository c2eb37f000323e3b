// 文件: pkg/perp/mysql_repo.go
// 引擎状态 MySQL 存储实现
//
// 【设计】
// - 使用 GORM 作为 ORM，所有数值列存为字符串 (DECIMAL 精度不够、
//   浮点列有精度问题，带符号定点数统一走字符串往返)
// - Commit 在一个 gorm 事务里整体提交，满足原子性契约
// - 单行表 (vault / global cash flow) 固定主键 id=1

package perp

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perpx.com/pkg/num"
)

// 确保实现了接口
var _ Store = (*MySQLStore)(nil)

// MySQLStore MySQL 实现
type MySQLStore struct {
	db *gorm.DB
}

// NewMySQLStore 创建 MySQL 存储
func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// AutoMigrate 建表 (部署/测试环境用)
func (s *MySQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&positionRecord{}, &denomStateRecord{}, &realizedPnlRecord{},
		&unlockRecord{}, &shareRecord{}, &vaultRecord{}, &cashFlowRecord{},
	)
}

// =============================================================================
// 表结构
// =============================================================================

type positionRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID      string `gorm:"size:64;uniqueIndex:uk_account_denom;index:idx_account"`
	Denom          string `gorm:"size:32;uniqueIndex:uk_account_denom;index:idx_denom"`
	Size           string `gorm:"size:64"`
	EntryPrice     string `gorm:"size:64"`
	EntryExecPrice string `gorm:"size:64"`
	EntryFunding   string `gorm:"size:96"`
	InitialSkew    string `gorm:"size:64"`
	PricePnl       string `gorm:"size:64"`
	AccruedFunding string `gorm:"size:64"`
	OpeningFee     string `gorm:"size:64"`
	ClosingFee     string `gorm:"size:64"`
	Pnl            string `gorm:"size:64"`
	OpenedAt       int64
	UpdatedAt      int64
}

func (positionRecord) TableName() string { return "perp_positions" }

type denomStateRecord struct {
	Denom              string `gorm:"primaryKey;size:32"`
	Enabled            bool
	LongOI             string `gorm:"size:64"`
	ShortOI            string `gorm:"size:64"`
	TotalEntryCost     string `gorm:"size:64"`
	TotalEntryFunding  string `gorm:"size:64"`
	CfPricePnl         string `gorm:"size:64"`
	CfOpeningFee       string `gorm:"size:64"`
	CfClosingFee       string `gorm:"size:64"`
	CfAccruedFunding   string `gorm:"size:64"`
	MaxFundingVelocity string `gorm:"size:64"`
	SkewScale          string `gorm:"size:64"`
	FundingRate        string `gorm:"size:96"`
	FundingIndex       string `gorm:"size:96"`
	LastUpdated        int64
}

func (denomStateRecord) TableName() string { return "perp_denom_states" }

type realizedPnlRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID      string `gorm:"size:64;uniqueIndex:uk_pnl_account_denom"`
	Denom          string `gorm:"size:32;uniqueIndex:uk_pnl_account_denom"`
	PricePnl       string `gorm:"size:64"`
	AccruedFunding string `gorm:"size:64"`
	OpeningFee     string `gorm:"size:64"`
	ClosingFee     string `gorm:"size:64"`
	Pnl            string `gorm:"size:64"`
}

func (realizedPnlRecord) TableName() string { return "perp_realized_pnl" }

type unlockRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID   string `gorm:"size:64;index:idx_unlock_account"`
	CreatedAt   int64
	CooldownEnd int64
	Amount      string `gorm:"size:64"`
}

func (unlockRecord) TableName() string { return "perp_unlocks" }

type shareRecord struct {
	AccountID string `gorm:"primaryKey;size:64"`
	Shares    string `gorm:"size:64"`
}

func (shareRecord) TableName() string { return "perp_shares" }

type vaultRecord struct {
	ID           uint64 `gorm:"primaryKey"`
	TotalBalance string `gorm:"size:64"`
	TotalShares  string `gorm:"size:64"`
}

func (vaultRecord) TableName() string { return "perp_vault" }

type cashFlowRecord struct {
	ID             uint64 `gorm:"primaryKey"`
	PricePnl       string `gorm:"size:64"`
	OpeningFee     string `gorm:"size:64"`
	ClosingFee     string `gorm:"size:64"`
	AccruedFunding string `gorm:"size:64"`
}

func (cashFlowRecord) TableName() string { return "perp_global_cash_flow" }

// singletonID 单行表固定主键
const singletonID = 1

// =============================================================================
// 域对象 <-> 记录转换
// =============================================================================

func positionToRecord(p *Position) *positionRecord {
	return &positionRecord{
		AccountID:      p.AccountID,
		Denom:          p.Denom,
		Size:           p.Size.String(),
		EntryPrice:     p.EntryPrice.String(),
		EntryExecPrice: p.EntryExecPrice.String(),
		EntryFunding:   p.EntryAccruedFundingPerUnitInBaseDenom.String(),
		InitialSkew:    p.InitialSkew.String(),
		PricePnl:       p.RealizedPnl.PricePnl.String(),
		AccruedFunding: p.RealizedPnl.AccruedFunding.String(),
		OpeningFee:     p.RealizedPnl.OpeningFee.String(),
		ClosingFee:     p.RealizedPnl.ClosingFee.String(),
		Pnl:            p.RealizedPnl.Pnl.String(),
		OpenedAt:       p.OpenedAt.UnixMilli(),
		UpdatedAt:      p.UpdatedAt.UnixMilli(),
	}
}

func recordToPosition(r *positionRecord) (*Position, error) {
	p := &Position{AccountID: r.AccountID, Denom: r.Denom}
	var err error
	if p.Size, err = num.SignedUintFromString(r.Size); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = decimal.NewFromString(r.EntryPrice); err != nil {
		return nil, err
	}
	if p.EntryExecPrice, err = decimal.NewFromString(r.EntryExecPrice); err != nil {
		return nil, err
	}
	if p.EntryAccruedFundingPerUnitInBaseDenom, err = num.SignedDecFromString(r.EntryFunding); err != nil {
		return nil, err
	}
	if p.InitialSkew, err = num.SignedUintFromString(r.InitialSkew); err != nil {
		return nil, err
	}
	if p.RealizedPnl, err = pnlFromStrings(r.PricePnl, r.AccruedFunding, r.OpeningFee, r.ClosingFee, r.Pnl); err != nil {
		return nil, err
	}
	p.OpenedAt = time.UnixMilli(r.OpenedAt)
	p.UpdatedAt = time.UnixMilli(r.UpdatedAt)
	return p, nil
}

func pnlFromStrings(pricePnl, accruedFunding, openingFee, closingFee, pnl string) (PnlAmounts, error) {
	var out PnlAmounts
	var err error
	if out.PricePnl, err = num.SignedUintFromString(pricePnl); err != nil {
		return PnlAmounts{}, err
	}
	if out.AccruedFunding, err = num.SignedUintFromString(accruedFunding); err != nil {
		return PnlAmounts{}, err
	}
	if out.OpeningFee, err = num.SignedUintFromString(openingFee); err != nil {
		return PnlAmounts{}, err
	}
	if out.ClosingFee, err = num.SignedUintFromString(closingFee); err != nil {
		return PnlAmounts{}, err
	}
	if out.Pnl, err = num.SignedUintFromString(pnl); err != nil {
		return PnlAmounts{}, err
	}
	return out, nil
}

func denomStateToRecord(ds *DenomState) *denomStateRecord {
	return &denomStateRecord{
		Denom:              ds.Denom,
		Enabled:            ds.Enabled,
		LongOI:             ds.LongOI.String(),
		ShortOI:            ds.ShortOI.String(),
		TotalEntryCost:     ds.TotalEntryCost.String(),
		TotalEntryFunding:  ds.TotalEntryFunding.String(),
		CfPricePnl:         ds.CashFlow.PricePnl.String(),
		CfOpeningFee:       ds.CashFlow.OpeningFee.String(),
		CfClosingFee:       ds.CashFlow.ClosingFee.String(),
		CfAccruedFunding:   ds.CashFlow.AccruedFunding.String(),
		MaxFundingVelocity: ds.Funding.MaxFundingVelocity.String(),
		SkewScale:          ds.Funding.SkewScale.String(),
		FundingRate:        ds.Funding.LastFundingRate.String(),
		FundingIndex:       ds.Funding.LastFundingAccruedPerUnitInBaseDenom.String(),
		LastUpdated:        ds.LastUpdated.UnixMilli(),
	}
}

func recordToDenomState(r *denomStateRecord) (*DenomState, error) {
	ds := &DenomState{Denom: r.Denom, Enabled: r.Enabled}
	var err error
	if ds.LongOI, err = decimal.NewFromString(r.LongOI); err != nil {
		return nil, err
	}
	if ds.ShortOI, err = decimal.NewFromString(r.ShortOI); err != nil {
		return nil, err
	}
	if ds.TotalEntryCost, err = num.SignedUintFromString(r.TotalEntryCost); err != nil {
		return nil, err
	}
	if ds.TotalEntryFunding, err = num.SignedUintFromString(r.TotalEntryFunding); err != nil {
		return nil, err
	}
	var cf CashFlow
	if cf.PricePnl, err = num.SignedUintFromString(r.CfPricePnl); err != nil {
		return nil, err
	}
	if cf.OpeningFee, err = num.SignedUintFromString(r.CfOpeningFee); err != nil {
		return nil, err
	}
	if cf.ClosingFee, err = num.SignedUintFromString(r.CfClosingFee); err != nil {
		return nil, err
	}
	if cf.AccruedFunding, err = num.SignedUintFromString(r.CfAccruedFunding); err != nil {
		return nil, err
	}
	ds.CashFlow = cf

	var f Funding
	if f.MaxFundingVelocity, err = decimal.NewFromString(r.MaxFundingVelocity); err != nil {
		return nil, err
	}
	if f.SkewScale, err = decimal.NewFromString(r.SkewScale); err != nil {
		return nil, err
	}
	if f.LastFundingRate, err = num.SignedDecFromString(r.FundingRate); err != nil {
		return nil, err
	}
	if f.LastFundingAccruedPerUnitInBaseDenom, err = num.SignedDecFromString(r.FundingIndex); err != nil {
		return nil, err
	}
	ds.Funding = f
	ds.LastUpdated = time.UnixMilli(r.LastUpdated)
	return ds, nil
}

// =============================================================================
// 读
// =============================================================================

func (s *MySQLStore) GetPosition(ctx context.Context, accountID, denom string) (*Position, error) {
	var rec positionRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND denom = ?", accountID, denom).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return recordToPosition(&rec)
}

func (s *MySQLStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]*Position, error) {
	var recs []positionRecord
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recordsToPositions(recs)
}

func (s *MySQLStore) ListPositionsByDenom(ctx context.Context, denom string) ([]*Position, error) {
	var recs []positionRecord
	if err := s.db.WithContext(ctx).Where("denom = ?", denom).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recordsToPositions(recs)
}

func recordsToPositions(recs []positionRecord) ([]*Position, error) {
	out := make([]*Position, 0, len(recs))
	for i := range recs {
		p, err := recordToPosition(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MySQLStore) CountPositionsByAccount(ctx context.Context, accountID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&positionRecord{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	return int(count), err
}

func (s *MySQLStore) GetDenomState(ctx context.Context, denom string) (*DenomState, error) {
	var rec denomStateRecord
	err := s.db.WithContext(ctx).Where("denom = ?", denom).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDenomNotFound
		}
		return nil, err
	}
	return recordToDenomState(&rec)
}

func (s *MySQLStore) ListDenomStates(ctx context.Context) ([]*DenomState, error) {
	var recs []denomStateRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*DenomState, 0, len(recs))
	for i := range recs {
		ds, err := recordToDenomState(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

func (s *MySQLStore) GetRealizedPnl(ctx context.Context, accountID, denom string) (PnlAmounts, error) {
	var rec realizedPnlRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND denom = ?", accountID, denom).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ZeroPnlAmounts(), nil
		}
		return PnlAmounts{}, err
	}
	return pnlFromStrings(rec.PricePnl, rec.AccruedFunding, rec.OpeningFee, rec.ClosingFee, rec.Pnl)
}

func (s *MySQLStore) GetShares(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var rec shareRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(rec.Shares)
}

func (s *MySQLStore) GetUnlocks(ctx context.Context, accountID string) ([]UnlockState, error) {
	var recs []unlockRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("cooldown_end ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]UnlockState, 0, len(recs))
	for _, rec := range recs {
		amount, aerr := decimal.NewFromString(rec.Amount)
		if aerr != nil {
			return nil, aerr
		}
		out = append(out, UnlockState{
			CreatedAt:   time.UnixMilli(rec.CreatedAt),
			CooldownEnd: time.UnixMilli(rec.CooldownEnd),
			Amount:      amount,
		})
	}
	return out, nil
}

func (s *MySQLStore) GetVaultState(ctx context.Context) (VaultState, error) {
	var rec vaultRecord
	err := s.db.WithContext(ctx).Where("id = ?", singletonID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewVaultState(), nil
		}
		return VaultState{}, err
	}
	var vs VaultState
	if vs.TotalBalance, err = num.SignedUintFromString(rec.TotalBalance); err != nil {
		return VaultState{}, err
	}
	if vs.TotalShares, err = decimal.NewFromString(rec.TotalShares); err != nil {
		return VaultState{}, err
	}
	return vs, nil
}

func (s *MySQLStore) GetGlobalCashFlow(ctx context.Context) (CashFlow, error) {
	var rec cashFlowRecord
	err := s.db.WithContext(ctx).Where("id = ?", singletonID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ZeroCashFlow(), nil
		}
		return CashFlow{}, err
	}
	var cf CashFlow
	if cf.PricePnl, err = num.SignedUintFromString(rec.PricePnl); err != nil {
		return CashFlow{}, err
	}
	if cf.OpeningFee, err = num.SignedUintFromString(rec.OpeningFee); err != nil {
		return CashFlow{}, err
	}
	if cf.ClosingFee, err = num.SignedUintFromString(rec.ClosingFee); err != nil {
		return CashFlow{}, err
	}
	if cf.AccruedFunding, err = num.SignedUintFromString(rec.AccruedFunding); err != nil {
		return CashFlow{}, err
	}
	return cf, nil
}

// =============================================================================
// 写
// =============================================================================

// Commit 一个事务整体提交
func (s *MySQLStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range cs.SetPositions {
			rec := positionToRecord(&cs.SetPositions[i])
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "denom"}},
				UpdateAll: true,
			}).Create(rec).Error; err != nil {
				return err
			}
		}
		for _, k := range cs.DeletePositions {
			if err := tx.Where("account_id = ? AND denom = ?", k.AccountID, k.Denom).
				Delete(&positionRecord{}).Error; err != nil {
				return err
			}
		}
		for i := range cs.SetDenomStates {
			rec := denomStateToRecord(&cs.SetDenomStates[i])
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		for _, rp := range cs.SetRealizedPnl {
			rec := &realizedPnlRecord{
				AccountID:      rp.AccountID,
				Denom:          rp.Denom,
				PricePnl:       rp.Amounts.PricePnl.String(),
				AccruedFunding: rp.Amounts.AccruedFunding.String(),
				OpeningFee:     rp.Amounts.OpeningFee.String(),
				ClosingFee:     rp.Amounts.ClosingFee.String(),
				Pnl:            rp.Amounts.Pnl.String(),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "denom"}},
				UpdateAll: true,
			}).Create(rec).Error; err != nil {
				return err
			}
		}
		for account, unlocks := range cs.SetUnlocks {
			// 整账户覆盖写: 先删后插
			if err := tx.Where("account_id = ?", account).Delete(&unlockRecord{}).Error; err != nil {
				return err
			}
			for _, u := range unlocks {
				rec := &unlockRecord{
					AccountID:   account,
					CreatedAt:   u.CreatedAt.UnixMilli(),
					CooldownEnd: u.CooldownEnd.UnixMilli(),
					Amount:      u.Amount.String(),
				}
				if err := tx.Create(rec).Error; err != nil {
					return err
				}
			}
		}
		for account, shares := range cs.SetShares {
			rec := &shareRecord{AccountID: account, Shares: shares.String()}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		if cs.VaultState != nil {
			rec := &vaultRecord{
				ID:           singletonID,
				TotalBalance: cs.VaultState.TotalBalance.String(),
				TotalShares:  cs.VaultState.TotalShares.String(),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		if cs.GlobalCashFlow != nil {
			rec := &cashFlowRecord{
				ID:             singletonID,
				PricePnl:       cs.GlobalCashFlow.PricePnl.String(),
				OpeningFee:     cs.GlobalCashFlow.OpeningFee.String(),
				ClosingFee:     cs.GlobalCashFlow.ClosingFee.String(),
				AccruedFunding: cs.GlobalCashFlow.AccruedFunding.String(),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
