// 文件: pkg/perp/errors.go
// 永续引擎错误分类
//
// 【三类错误】
// (a) 校验错误: 调用方可修正 (仓位越界、OI 超限、denom 停用...)
//     操作干净中止，状态零变更，原样返回给调用方
// (b) 算术错误: 溢出/除零，由 pkg/num 产生并原样向上传播，
//     对本次操作致命，绝不截断、绝不重试
// (c) 不变式错误: 减仓未改善 CR、skew_scale 为零等，
//     在边界 (denom 初始化) 或决策点 (deleverage) 直接拒绝

package perp

import "errors"

var (
	// ===== 校验错误 =====
	ErrUnauthorized        = errors.New("perp: caller is not authorized")
	ErrDenomNotFound       = errors.New("perp: denom state not found")
	ErrDenomExists         = errors.New("perp: denom already initialized")
	ErrDenomNotEnabled     = errors.New("perp: denom is not enabled for trading")
	ErrPositionNotFound    = errors.New("perp: position not found")
	ErrMaxPositionsReached = errors.New("perp: max positions per account reached")

	// ErrIllegalModification 非法修改: new_size == old_size 的
	// 空操作显式报错，不允许静默成功
	ErrIllegalModification = errors.New("perp: illegal position modification")

	// ErrReduceOnlyViolated reduce_only 订单不允许加仓或翻转
	ErrReduceOnlyViolated = errors.New("perp: modification violates reduce-only flag")

	ErrPositionValueTooSmall = errors.New("perp: position value below min_position_value")
	ErrPositionValueTooBig   = errors.New("perp: position value above max_position_value")

	ErrLongOpenInterestReached  = errors.New("perp: long open interest limit reached")
	ErrShortOpenInterestReached = errors.New("perp: short open interest limit reached")
	ErrNetOpenInterestReached   = errors.New("perp: net open interest limit reached")

	// ===== 金库/份额 =====
	ErrInvalidAmount      = errors.New("perp: amount must be positive")
	ErrInsufficientShares = errors.New("perp: insufficient vault shares")
	ErrNoMaturedUnlocks   = errors.New("perp: no matured unlocks to withdraw")
	ErrVaultInsolvent     = errors.New("perp: vault withdrawal balance is zero or negative")

	// ===== 不变式错误 =====
	// ErrZeroSkewScale skew_scale 是除数，denom 初始化时即拒绝，
	// 绝不允许流到交易路径
	ErrZeroSkewScale = errors.New("perp: skew_scale must not be zero")

	ErrInvalidParams = errors.New("perp: invalid perp params")

	ErrDeleverageDisabled = errors.New("perp: deleveraging is disabled")

	// ErrDeleverageInvalidPosition 强制平仓未能改善 CR / OI 指标
	// 宁可失败也不执行有害的强平
	ErrDeleverageInvalidPosition = errors.New("perp: deleverage did not improve collateralization")

	// ErrDeleverageNotRequired CR 达标且 OI 未超限，无需减仓
	ErrDeleverageNotRequired = errors.New("perp: deleverage conditions not met")
)
