// 文件: pkg/num/errors.go
// 数值层错误定义
//
// 【设计】
// 算术错误与业务校验错误必须可区分 (errors.Is)
// 上层据此判断 "输入不合法" 还是 "触发数值极限"

package num

import "errors"

var (
	// ErrOverflow 幅值超出 128 位上限
	// 所有 checked 运算在溢出时返回此错误，绝不静默截断
	ErrOverflow = errors.New("num: magnitude overflow (exceeds 128-bit bound)")

	// ErrDivideByZero 除零
	ErrDivideByZero = errors.New("num: divide by zero")
)
