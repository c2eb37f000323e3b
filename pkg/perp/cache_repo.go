// 文件: pkg/perp/cache_repo.go
// 引擎状态 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// - 包装底层 Store，透明添加缓存能力，调用方只看到 Store 接口
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查底层并回填 (只缓存仓位和 denom 状态，
//   金库/现金流是低频读高频写，缓存收益为负)
// - 写: 先 Commit 底层，成功后删除受影响的 key (Cache Aside)
// - 缓存故障降级直读底层，绝不因缓存挂掉拒绝交易

package perp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 确保实现了接口
var _ Store = (*CachedStore)(nil)

const (
	// 单个仓位: perp:position:{account}:{denom}
	cacheKeyPosition = "perp:position:%s:%s"
	// 单个 denom: perp:denom:{denom}
	cacheKeyDenom = "perp:denom:%s"

	positionCacheTTL = 5 * time.Minute
	denomCacheTTL    = 1 * time.Minute
)

// cachedNotFound 负缓存哨兵值，防止不存在的仓位反复穿透
const cachedNotFound = "__not_found__"

// CachedStore Redis 缓存装饰器
type CachedStore struct {
	store Store
	redis *redis.Client
}

// NewCachedStore 创建带缓存的 Store
func NewCachedStore(store Store, rds *redis.Client) *CachedStore {
	return &CachedStore{store: store, redis: rds}
}

// =============================================================================
// 读 (带缓存)
// =============================================================================

func (s *CachedStore) GetPosition(ctx context.Context, accountID, denom string) (*Position, error) {
	key := fmt.Sprintf(cacheKeyPosition, accountID, denom)

	data, err := s.redis.Get(ctx, key).Result()
	if err == nil {
		if data == cachedNotFound {
			return nil, ErrPositionNotFound
		}
		var p Position
		if jerr := json.Unmarshal([]byte(data), &p); jerr == nil {
			return &p, nil
		}
		// 反序列化失败当 miss 处理，回源覆盖
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("[Cache] redis 读失败 key=%s: %v", key, err)
	}

	p, err := s.store.GetPosition(ctx, accountID, denom)
	if errors.Is(err, ErrPositionNotFound) {
		s.setCache(ctx, key, cachedNotFound, positionCacheTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(p); jerr == nil {
		s.setCache(ctx, key, string(data), positionCacheTTL)
	}
	return p, nil
}

func (s *CachedStore) GetDenomState(ctx context.Context, denom string) (*DenomState, error) {
	key := fmt.Sprintf(cacheKeyDenom, denom)

	data, err := s.redis.Get(ctx, key).Result()
	if err == nil {
		var ds DenomState
		if jerr := json.Unmarshal([]byte(data), &ds); jerr == nil {
			return &ds, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("[Cache] redis 读失败 key=%s: %v", key, err)
	}

	ds, err := s.store.GetDenomState(ctx, denom)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(ds); jerr == nil {
		s.setCache(ctx, key, string(data), denomCacheTTL)
	}
	return ds, nil
}

func (s *CachedStore) setCache(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("[Cache] redis 写失败 key=%s: %v", key, err)
	}
}

// =============================================================================
// 读 (透传)
// =============================================================================
// 列表/聚合查询直接走底层: 缓存一致性成本高于收益

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]*Position, error) {
	return s.store.ListPositionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListPositionsByDenom(ctx context.Context, denom string) ([]*Position, error) {
	return s.store.ListPositionsByDenom(ctx, denom)
}

func (s *CachedStore) CountPositionsByAccount(ctx context.Context, accountID string) (int, error) {
	return s.store.CountPositionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListDenomStates(ctx context.Context) ([]*DenomState, error) {
	return s.store.ListDenomStates(ctx)
}

func (s *CachedStore) GetRealizedPnl(ctx context.Context, accountID, denom string) (PnlAmounts, error) {
	return s.store.GetRealizedPnl(ctx, accountID, denom)
}

func (s *CachedStore) GetShares(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.store.GetShares(ctx, accountID)
}

func (s *CachedStore) GetUnlocks(ctx context.Context, accountID string) ([]UnlockState, error) {
	return s.store.GetUnlocks(ctx, accountID)
}

func (s *CachedStore) GetVaultState(ctx context.Context) (VaultState, error) {
	return s.store.GetVaultState(ctx)
}

func (s *CachedStore) GetGlobalCashFlow(ctx context.Context) (CashFlow, error) {
	return s.store.GetGlobalCashFlow(ctx)
}

// =============================================================================
// 写
// =============================================================================

// Commit 先底层落库，成功后删受影响的缓存 key
func (s *CachedStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := s.store.Commit(ctx, cs); err != nil {
		return err
	}
	if cs == nil {
		return nil
	}

	var keys []string
	for _, p := range cs.SetPositions {
		keys = append(keys, fmt.Sprintf(cacheKeyPosition, p.AccountID, p.Denom))
	}
	for _, k := range cs.DeletePositions {
		keys = append(keys, fmt.Sprintf(cacheKeyPosition, k.AccountID, k.Denom))
	}
	for _, ds := range cs.SetDenomStates {
		keys = append(keys, fmt.Sprintf(cacheKeyDenom, ds.Denom))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		// 删缓存失败只打日志，TTL 兜底过期
		log.Printf("[Cache] redis 删除失败 keys=%v: %v", keys, err)
	}
	return nil
}
