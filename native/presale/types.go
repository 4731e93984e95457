package presale

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrUnauthorized          = errors.New("presale: unauthorized")
	ErrInvalidPrice          = errors.New("presale: stage price must be positive")
	ErrNoActiveStage         = errors.New("presale: no active stage")
	ErrInvalidAmount         = errors.New("presale: token amount must be positive")
	ErrInvalidPurchaseAmount = errors.New("presale: invalid purchase amount")
	ErrInsufficientPayment   = errors.New("presale: insufficient payment")
	ErrInsufficientFunds     = errors.New("presale: insufficient native balance")
	ErrAlreadyEnded          = errors.New("presale: already ended")
	ErrClaimingNotEnabled    = errors.New("presale: claiming not enabled")
	ErrAlreadyClaimed        = errors.New("presale: already claimed")
	ErrNoEntitlement         = errors.New("presale: no entitlement")
	ErrPresaleNotEnded       = errors.New("presale: presale not ended")
	ErrInvalidPriceData      = errors.New("presale: invalid price data")
	ErrStageNotFound         = errors.New("presale: stage not found")
)

// ClaimDelaySeconds is the mandatory waiting period between the presale end
// and the moment entitlements become claimable through the timed path.
const ClaimDelaySeconds int64 = 24 * 60 * 60

// Stage is a pricing period. Stages are created strictly in increasing id
// order starting at 1; id 0 is reserved for "no stage yet". At most one stage
// is active at any time.
type Stage struct {
	ID        uint64
	PriceUSD  *big.Int
	Active    bool
	CreatedAt int64
}

func (s *Stage) Clone() *Stage {
	if s == nil {
		return nil
	}
	clone := *s
	if s.PriceUSD != nil {
		clone.PriceUSD = new(big.Int).Set(s.PriceUSD)
	} else {
		clone.PriceUSD = big.NewInt(0)
	}
	return &clone
}

// Entitlement is a participant's accumulated right to receive tokens,
// pending claim. Repeat purchases accumulate the amounts and move StageID to
// the most recent purchase's stage.
type Entitlement struct {
	Buyer       [20]byte
	TokenAmount *big.Int
	PaidWei     *big.Int
	Claimed     bool
	StageID     uint64
}

func (u *Entitlement) Clone() *Entitlement {
	if u == nil {
		return nil
	}
	clone := *u
	if u.TokenAmount != nil {
		clone.TokenAmount = new(big.Int).Set(u.TokenAmount)
	} else {
		clone.TokenAmount = big.NewInt(0)
	}
	if u.PaidWei != nil {
		clone.PaidWei = new(big.Int).Set(u.PaidWei)
	} else {
		clone.PaidWei = big.NewInt(0)
	}
	return &clone
}

// Lifecycle carries the process-wide presale flags. ClaimOverride is the
// operator escape hatch set through UpdateStatus; claiming is authorised when
// the override is set or the 24h delay after EndedAt has elapsed.
type Lifecycle struct {
	CurrentStageID uint64
	Ended          bool
	EndedAt        int64
	ClaimOverride  bool
}

func (l *Lifecycle) Clone() *Lifecycle {
	if l == nil {
		return &Lifecycle{}
	}
	clone := *l
	return &clone
}

// ClaimingEnabled applies the unified claim-authorisation rule at the
// supplied timestamp.
func (l *Lifecycle) ClaimingEnabled(now int64) bool {
	if l == nil {
		return false
	}
	if l.ClaimOverride {
		return true
	}
	return l.Ended && l.EndedAt > 0 && now >= l.EndedAt+ClaimDelaySeconds
}

// Status is the read-only lifecycle view exposed over RPC. It is derived from
// the same rule Claim uses for authorisation.
type Status struct {
	IsActive          bool   `json:"isActive"`
	IsClaimingEnabled bool   `json:"isClaimingEnabled"`
	IsPresaleEnded    bool   `json:"isPresaleEnded"`
	CurrentStageID    uint64 `json:"currentStageId"`
}

// Receipt is the append-only audit record written for every accepted
// purchase, including the oracle reading used to settle it.
type Receipt struct {
	ID           string
	Buyer        [20]byte
	StageID      uint64
	TokenAmount  *big.Int
	PaidWei      *big.Int
	RefundWei    *big.Int
	USDCost      *big.Int
	OracleRate   *big.Int
	OracleSource string
	CreatedAt    int64
}

func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	for _, pair := range []struct {
		dst **big.Int
		src *big.Int
	}{
		{&clone.TokenAmount, r.TokenAmount},
		{&clone.PaidWei, r.PaidWei},
		{&clone.RefundWei, r.RefundWei},
		{&clone.USDCost, r.USDCost},
		{&clone.OracleRate, r.OracleRate},
	} {
		if pair.src != nil {
			*pair.dst = new(big.Int).Set(pair.src)
		} else {
			*pair.dst = big.NewInt(0)
		}
	}
	return &clone
}

// SanitizeStage validates a stage record before it is persisted.
func SanitizeStage(s *Stage) (*Stage, error) {
	if s == nil {
		return nil, fmt.Errorf("nil stage")
	}
	clone := s.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("stage id must be positive")
	}
	if clone.PriceUSD.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return clone, nil
}
