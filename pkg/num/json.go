// 文件: pkg/num/json.go
// JSON 序列化
//
// 带符号数值统一序列化为字符串 (如 "-123.45")，
// 避免 JSON number 的 float64 精度丢失

package num

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MarshalJSON SignedUint -> "-123"
func (u SignedUint) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON "-123" -> SignedUint
func (u *SignedUint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*u = signedUintFromDecSigned(d.Truncate(0))
	return nil
}

// MarshalJSON SignedDecimal -> "-123.45"
func (d SignedDecimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON "-123.45" -> SignedDecimal
func (d *SignedDecimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*d = SignedDecFromDec(dec)
	return nil
}
