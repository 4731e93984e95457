package ledger

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"blmnsale/core/types"
)

const (
	EventTypeInitialized          = "ledger.initialized"
	EventTypeTransfer             = "ledger.transfer"
	EventTypeApproval             = "ledger.approval"
	EventTypeBurn                 = "ledger.burn"
	EventTypeLockUpdated          = "ledger.lock_updated"
	EventTypeOwnershipTransferred = "ledger.ownership_transferred"
)

// NewInitializedEvent returns the canonical payload emitted once the fixed
// supply has been minted and allocated.
func NewInitializedEvent(t *Token) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		attrs["symbol"] = t.Symbol
		attrs["totalSupply"] = amountString(t.TotalSupply)
		attrs["owner"] = hex.EncodeToString(t.Owner[:])
		attrs["distributor"] = hex.EncodeToString(t.Distributor[:])
		attrs["locked"] = strconv.FormatBool(t.TransferLocked)
	}
	return &types.Event{Type: EventTypeInitialized, Attributes: attrs}
}

// NewTransferEvent returns the canonical balance-change payload.
func NewTransferEvent(from, to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeTransfer, Attributes: map[string]string{
		"from":   hex.EncodeToString(from[:]),
		"to":     hex.EncodeToString(to[:]),
		"amount": amountString(amount),
	}}
}

// NewApprovalEvent returns the allowance-change payload.
func NewApprovalEvent(owner, spender [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeApproval, Attributes: map[string]string{
		"owner":   hex.EncodeToString(owner[:]),
		"spender": hex.EncodeToString(spender[:]),
		"amount":  amountString(amount),
	}}
}

// NewBurnEvent returns the supply-reduction payload.
func NewBurnEvent(from [20]byte, amount, remainingSupply *big.Int) *types.Event {
	return &types.Event{Type: EventTypeBurn, Attributes: map[string]string{
		"from":        hex.EncodeToString(from[:]),
		"amount":      amountString(amount),
		"totalSupply": amountString(remainingSupply),
	}}
}

// NewLockUpdatedEvent returns the lock-state-changed payload.
func NewLockUpdatedEvent(locked bool) *types.Event {
	return &types.Event{Type: EventTypeLockUpdated, Attributes: map[string]string{
		"locked": strconv.FormatBool(locked),
	}}
}

// NewOwnershipTransferredEvent returns the operator-change payload.
func NewOwnershipTransferredEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeOwnershipTransferred, Attributes: map[string]string{
		"previousOwner": hex.EncodeToString(previous[:]),
		"newOwner":      hex.EncodeToString(next[:]),
	}}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
