// 文件: pkg/oracle/slinky.go
// Slinky 风格喂价缩放
//
// 上游喂价以整数 + 小数位数给出 (如 652586790, decimals=8)，
// 报价货币 USD 价格为 6 位小数定点 (1000000 = 1.0 USD)
//
// 【公式】
// price = slinky_value * usd_price / 10^(slinky_decimals + denom_decimals)
//
// 例: value=652586790, slinky_decimals=8, denom_decimals=6, usd=1000000
//     → 6.5258679 (精确)

package oracle

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// usdPriceDecimals USD 报价的定点小数位数
const usdPriceDecimals = 6

// ScaleSlinkyPrice 把 slinky 整数喂价缩放为每最小单位的 Decimal 价格
func ScaleSlinkyPrice(slinkyValue uint64, slinkyDecimals, denomDecimals int32, usdPrice uint64) (decimal.Decimal, error) {
	if slinkyDecimals < 0 || denomDecimals < 0 {
		return decimal.Zero, fmt.Errorf("oracle: negative decimals (slinky=%d, denom=%d)", slinkyDecimals, denomDecimals)
	}
	if usdPrice == 0 {
		return decimal.Zero, fmt.Errorf("%w: usd price is zero", ErrInvalidPrice)
	}

	value := decimal.NewFromUint64(slinkyValue)
	usd := decimal.NewFromUint64(usdPrice)

	// 两次指数平移都是精确运算，不引入除法误差
	scaled := value.Mul(usd).Shift(-(slinkyDecimals + denomDecimals))
	if !scaled.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: scaled price %s", ErrInvalidPrice, scaled)
	}
	return scaled, nil
}
