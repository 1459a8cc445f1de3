package models

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// EtherDecimals ETH精度
const EtherDecimals = 18

// WeiToEther wei转换为ETH
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals)
}

// EtherToWei ETH转换为wei，超出18位的小数被截断
func EtherToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(EtherDecimals).Truncate(0).BigInt()
}
