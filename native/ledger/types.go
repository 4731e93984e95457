package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrZeroAddress           = errors.New("ledger: zero address")
	ErrUnauthorized          = errors.New("ledger: unauthorized")
	ErrTransferLocked        = errors.New("ledger: transfers locked")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrNotInitialized        = errors.New("ledger: token not initialized")
	ErrAlreadyInitialized    = errors.New("ledger: token already initialized")
)

const (
	// TokenSymbol and TokenName identify the distributed asset.
	TokenSymbol = "BLMN"
	TokenName   = "BLMN Token"
	// TokenDecimals is the fixed-point precision of all token amounts.
	TokenDecimals = 18
)

// Allocation percentages applied to the total supply at initialisation,
// expressed in basis points. They sum to 10_000.
const (
	AllocPresaleBps   = 5_500
	AllocMarketingBps = 1_200
	AllocExchangeBps  = 1_000
	AllocRewardsBps   = 1_800
	AllocTeamBps      = 500
)

// TotalSupplyUnits is the whole-token supply minted at initialisation.
const TotalSupplyUnits = 1_000_000_000

// Token captures the ledger-wide metadata persisted in state. Distributor is
// the presale custody address; together with the owner it is exempt from the
// transfer lock so entitlement claims and inventory withdrawal remain
// possible during the freeze.
type Token struct {
	Symbol         string
	Name           string
	Decimals       uint8
	TotalSupply    *big.Int
	Owner          [20]byte
	Distributor    [20]byte
	BurnSink       [20]byte
	TransferLocked bool
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	if t.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(t.TotalSupply)
	} else {
		clone.TotalSupply = big.NewInt(0)
	}
	return &clone
}

// SanitizeToken validates the supplied metadata and returns a cloned instance
// with a non-nil supply. The original value is not mutated.
func SanitizeToken(t *Token) (*Token, error) {
	if t == nil {
		return nil, fmt.Errorf("nil token")
	}
	clone := t.Clone()
	clone.Symbol = strings.ToUpper(strings.TrimSpace(clone.Symbol))
	if clone.Symbol == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	if clone.TotalSupply.Sign() < 0 {
		return nil, fmt.Errorf("token supply must be non-negative")
	}
	if clone.Owner == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	return clone, nil
}

// AllocationConfig names the six recipients funded at initialisation. The
// burn sink receives nothing; it exists as the designated destination for
// voluntary supply reduction.
type AllocationConfig struct {
	Presale   [20]byte
	Marketing [20]byte
	Exchange  [20]byte
	Rewards   [20]byte
	Team      [20]byte
	BurnSink  [20]byte
}

// Validate rejects configurations containing the zero address.
func (c AllocationConfig) Validate() error {
	for _, addr := range [][20]byte{c.Presale, c.Marketing, c.Exchange, c.Rewards, c.Team, c.BurnSink} {
		if addr == ([20]byte{}) {
			return ErrZeroAddress
		}
	}
	return nil
}

// TotalSupplyWei returns the full 18-decimal supply minted at initialisation.
func TotalSupplyWei() *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)
	return new(big.Int).Mul(big.NewInt(TotalSupplyUnits), scale)
}

func allocationShare(total *big.Int, bps int64) *big.Int {
	share := new(big.Int).Mul(total, big.NewInt(bps))
	return share.Div(share, big.NewInt(10_000))
}
