package presale

import (
	"math/big"
)

const (
	// PriceDecimals is the fixed-point precision of stage prices and token
	// amounts.
	PriceDecimals = 18
	// OracleDecimals is the declared precision of oracle rates (USD per
	// native unit).
	OracleDecimals = 8
)

var (
	priceScale  = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	oracleScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(OracleDecimals), nil)
)

// QuoteCost computes the USD cost (18 decimals) of tokenAmount tokens at the
// supplied stage price: tokenAmount * priceUSD / 10^18.
func QuoteCost(tokenAmount, priceUSD *big.Int) *big.Int {
	if tokenAmount == nil || priceUSD == nil {
		return big.NewInt(0)
	}
	cost := new(big.Int).Mul(tokenAmount, priceUSD)
	return cost.Div(cost, priceScale)
}

// RequiredPayment converts a USD cost (18 decimals) into native wei using the
// oracle rate (USD per native unit, 8 decimals). The division rounds up so
// the ledger is never undercharged by truncation.
func RequiredPayment(usdCost, rate *big.Int) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrInvalidPriceData
	}
	if usdCost == nil || usdCost.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	numerator := new(big.Int).Mul(usdCost, oracleScale)
	required, remainder := new(big.Int).QuoRem(numerator, rate, new(big.Int))
	if remainder.Sign() > 0 {
		required.Add(required, big.NewInt(1))
	}
	return required, nil
}
