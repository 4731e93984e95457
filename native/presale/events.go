package presale

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"blmnsale/core/types"
)

const (
	EventTypeStageCreated       = "presale.stage_created"
	EventTypePurchase           = "presale.purchase"
	EventTypeEnded              = "presale.ended"
	EventTypeStatusUpdated      = "presale.status_updated"
	EventTypeClaimed            = "presale.claimed"
	EventTypePaymentWithdrawn   = "presale.payment_withdrawn"
	EventTypeInventoryWithdrawn = "presale.inventory_withdrawn"
)

// NewStageCreatedEvent returns the canonical payload for a freshly opened
// stage.
func NewStageCreatedEvent(s *Stage) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		attrs["stageId"] = strconv.FormatUint(s.ID, 10)
		attrs["priceUSD"] = amountString(s.PriceUSD)
	}
	return &types.Event{Type: EventTypeStageCreated, Attributes: attrs}
}

// NewPurchaseEvent returns the canonical payload for an accepted purchase,
// carrying the settled amounts and the oracle reading used.
func NewPurchaseEvent(r *Receipt) *types.Event {
	attrs := make(map[string]string)
	if r != nil {
		attrs["receiptId"] = r.ID
		attrs["buyer"] = hex.EncodeToString(r.Buyer[:])
		attrs["tokenAmount"] = amountString(r.TokenAmount)
		attrs["paidWei"] = amountString(r.PaidWei)
		attrs["refundWei"] = amountString(r.RefundWei)
		attrs["usdCost"] = amountString(r.USDCost)
		attrs["oracleRate"] = amountString(r.OracleRate)
		attrs["oracleSource"] = r.OracleSource
		attrs["stageId"] = strconv.FormatUint(r.StageID, 10)
	}
	return &types.Event{Type: EventTypePurchase, Attributes: attrs}
}

// NewEndedEvent returns the payload emitted when the presale is closed.
func NewEndedEvent(endedAt int64) *types.Event {
	return &types.Event{Type: EventTypeEnded, Attributes: map[string]string{
		"endedAt": strconv.FormatInt(endedAt, 10),
	}}
}

// NewStatusUpdatedEvent returns the payload for the operator override.
func NewStatusUpdatedEvent(ended, claimingEnabled bool) *types.Event {
	return &types.Event{Type: EventTypeStatusUpdated, Attributes: map[string]string{
		"ended":           strconv.FormatBool(ended),
		"claimingEnabled": strconv.FormatBool(claimingEnabled),
	}}
}

// NewClaimedEvent returns the payload emitted when an entitlement is
// released.
func NewClaimedEvent(buyer [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeClaimed, Attributes: map[string]string{
		"buyer":       hex.EncodeToString(buyer[:]),
		"tokenAmount": amountString(amount),
	}}
}

// NewPaymentWithdrawnEvent returns the payload for an operator payment
// withdrawal.
func NewPaymentWithdrawnEvent(to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypePaymentWithdrawn, Attributes: map[string]string{
		"to":     hex.EncodeToString(to[:]),
		"amount": amountString(amount),
	}}
}

// NewInventoryWithdrawnEvent returns the payload for an operator inventory
// withdrawal.
func NewInventoryWithdrawnEvent(to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeInventoryWithdrawn, Attributes: map[string]string{
		"to":     hex.EncodeToString(to[:]),
		"amount": amountString(amount),
	}}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
