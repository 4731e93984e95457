package presale

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"blmnsale/core/events"
	"blmnsale/core/types"
)

var (
	errNilState   = errors.New("presale engine: state not configured")
	errNilLedger  = errors.New("presale engine: ledger not configured")
	errNilOracle  = errors.New("presale engine: oracle not configured")
	errNilCustody = errors.New("presale engine: custody address not configured")
)

// DefaultQuoteMaxAge bounds how stale an oracle reading may be before a
// purchase is rejected with ErrInvalidPriceData.
const DefaultQuoteMaxAge = 15 * time.Minute

type engineState interface {
	StageGet(id uint64) (*Stage, bool, error)
	StagePut(*Stage) error
	LifecycleGet() (*Lifecycle, error)
	LifecyclePut(*Lifecycle) error
	EntitlementGet(buyer [20]byte) (*Entitlement, bool, error)
	EntitlementPut(*Entitlement) error
	NativeBalanceGet(addr [20]byte) (*big.Int, error)
	NativeBalancePut(addr [20]byte, amount *big.Int) error
	ReceiptPut(*Receipt) error
}

// TokenLedger is the slice of the asset ledger the presale engine needs:
// moving inventory out of custody and reading balances plus the operator
// address. *ledger.Engine satisfies it.
type TokenLedger interface {
	Transfer(caller, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
	Owner() ([20]byte, error)
}

type presaleEvent struct {
	evt *types.Event
}

func (e presaleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e presaleEvent) Event() *types.Event { return e.evt }

// Engine implements the presale settlement state machine: staged pricing,
// purchase intake with oracle conversion and exact refund, delayed claim
// release, and fund/inventory withdrawal. Authorization for operator calls is
// derived from the asset ledger owner so ownership transfer is a single
// atomic write shared by both components.
type Engine struct {
	state       engineState
	ledger      TokenLedger
	oracle      PriceReader
	emitter     events.Emitter
	custody     [20]byte
	quoteMaxAge time.Duration
	nowFn       func() int64
}

// NewEngine creates a presale engine with a no-op emitter and the default
// oracle freshness window.
func NewEngine() *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		quoteMaxAge: DefaultQuoteMaxAge,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the asset ledger used for claim and inventory
// transfers.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetOracle configures the price reader consulted at purchase time.
func (e *Engine) SetOracle(oracle PriceReader) { e.oracle = oracle }

// SetCustody configures the address holding the presale token allocation and
// collected native payment.
func (e *Engine) SetCustody(custody [20]byte) { e.custody = custody }

// SetQuoteMaxAge overrides the oracle freshness window. A non-positive value
// restores the default.
func (e *Engine) SetQuoteMaxAge(maxAge time.Duration) {
	if maxAge <= 0 {
		e.quoteMaxAge = DefaultQuoteMaxAge
		return
	}
	e.quoteMaxAge = maxAge
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(presaleEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireOwner(caller [20]byte) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	owner, err := e.ledger.Owner()
	if err != nil {
		return err
	}
	if caller != owner {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) lifecycle() (*Lifecycle, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	lc, err := e.state.LifecycleGet()
	if err != nil {
		return nil, err
	}
	if lc == nil {
		lc = &Lifecycle{}
	}
	return lc, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// CreateNextStage deactivates the currently active stage (if any) and opens
// stage currentStageId+1 at the supplied USD unit price. Owner only.
func (e *Engine) CreateNextStage(caller [20]byte, priceUSD *big.Int) (*Stage, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	price := cloneBigInt(priceUSD)
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	lc, err := e.lifecycle()
	if err != nil {
		return nil, err
	}
	if lc.CurrentStageID > 0 {
		current, ok, err := e.state.StageGet(lc.CurrentStageID)
		if err != nil {
			return nil, err
		}
		if ok && current.Active {
			current.Active = false
			if err := e.state.StagePut(current); err != nil {
				return nil, err
			}
		}
	}
	stage := &Stage{
		ID:        lc.CurrentStageID + 1,
		PriceUSD:  price,
		Active:    true,
		CreatedAt: e.now(),
	}
	if err := e.state.StagePut(stage); err != nil {
		return nil, err
	}
	lc.CurrentStageID = stage.ID
	if err := e.state.LifecyclePut(lc); err != nil {
		return nil, err
	}
	e.emit(NewStageCreatedEvent(stage))
	return stage.Clone(), nil
}

func (e *Engine) activeStage(lc *Lifecycle) (*Stage, error) {
	if lc.Ended || lc.CurrentStageID == 0 {
		return nil, ErrNoActiveStage
	}
	stage, ok, err := e.state.StageGet(lc.CurrentStageID)
	if err != nil {
		return nil, err
	}
	if !ok || !stage.Active {
		return nil, ErrNoActiveStage
	}
	return stage, nil
}

func (e *Engine) readOracle() (PriceReading, error) {
	if e == nil || e.oracle == nil {
		return PriceReading{}, errNilOracle
	}
	reading, err := e.oracle.CurrentRate()
	if err != nil {
		return PriceReading{}, fmt.Errorf("%w: %v", ErrInvalidPriceData, err)
	}
	if reading.Rate == nil || reading.Rate.Sign() <= 0 {
		return PriceReading{}, ErrInvalidPriceData
	}
	maxAge := e.quoteMaxAge
	if maxAge <= 0 {
		maxAge = DefaultQuoteMaxAge
	}
	if reading.UpdatedAt.IsZero() || e.now()-reading.UpdatedAt.Unix() > int64(maxAge/time.Second) {
		return PriceReading{}, ErrInvalidPriceData
	}
	return reading, nil
}

// Purchase settles a token purchase: the buyer attaches paymentWei of native
// currency, the engine converts the stage price through the oracle, keeps
// exactly the required amount in custody and refunds the excess within the
// same atomic call. The buyer's entitlement accumulates across purchases.
func (e *Engine) Purchase(buyer [20]byte, tokenAmount, paymentWei *big.Int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.custody == ([20]byte{}) {
		return nil, errNilCustody
	}
	lc, err := e.lifecycle()
	if err != nil {
		return nil, err
	}
	stage, err := e.activeStage(lc)
	if err != nil {
		return nil, err
	}
	amount := cloneBigInt(tokenAmount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	payment := cloneBigInt(paymentWei)
	if payment.Sign() <= 0 {
		return nil, ErrInvalidPurchaseAmount
	}

	reading, err := e.readOracle()
	if err != nil {
		return nil, err
	}
	usdCost := QuoteCost(amount, stage.PriceUSD)
	required, err := RequiredPayment(usdCost, reading.Rate)
	if err != nil {
		return nil, err
	}
	if payment.Cmp(required) < 0 {
		return nil, ErrInsufficientPayment
	}
	refund := new(big.Int).Sub(payment, required)

	buyerBalance, err := e.state.NativeBalanceGet(buyer)
	if err != nil {
		return nil, err
	}
	if buyerBalance.Cmp(payment) < 0 {
		return nil, ErrInsufficientFunds
	}
	custodyBalance, err := e.state.NativeBalanceGet(e.custody)
	if err != nil {
		return nil, err
	}
	// The buyer ends the call down exactly the required amount: the payment
	// is taken and the excess refunded inside the same transition.
	if err := e.state.NativeBalancePut(buyer, new(big.Int).Sub(buyerBalance, required)); err != nil {
		return nil, err
	}
	if err := e.state.NativeBalancePut(e.custody, new(big.Int).Add(custodyBalance, required)); err != nil {
		if restoreErr := e.state.NativeBalancePut(buyer, buyerBalance); restoreErr != nil {
			return nil, fmt.Errorf("presale: custody credit failed (%v) and refund failed: %w", err, restoreErr)
		}
		return nil, err
	}

	entitlement, ok, err := e.state.EntitlementGet(buyer)
	if err != nil {
		return nil, err
	}
	if !ok {
		entitlement = &Entitlement{Buyer: buyer, TokenAmount: big.NewInt(0), PaidWei: big.NewInt(0)}
	}
	entitlement.TokenAmount = new(big.Int).Add(entitlement.TokenAmount, amount)
	entitlement.PaidWei = new(big.Int).Add(entitlement.PaidWei, required)
	entitlement.StageID = stage.ID
	if err := e.state.EntitlementPut(entitlement); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		ID:           uuid.NewString(),
		Buyer:        buyer,
		StageID:      stage.ID,
		TokenAmount:  amount,
		PaidWei:      required,
		RefundWei:    refund,
		USDCost:      usdCost,
		OracleRate:   cloneBigInt(reading.Rate),
		OracleSource: reading.Source,
		CreatedAt:    e.now(),
	}
	if err := e.state.ReceiptPut(receipt); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseEvent(receipt))
	return receipt.Clone(), nil
}

// EndPresale closes the presale and records the end timestamp that anchors
// the claim delay. Owner only; fails once ended.
func (e *Engine) EndPresale(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	lc, err := e.lifecycle()
	if err != nil {
		return err
	}
	if lc.Ended {
		return ErrAlreadyEnded
	}
	lc.Ended = true
	lc.EndedAt = e.now()
	if err := e.state.LifecyclePut(lc); err != nil {
		return err
	}
	e.emit(NewEndedEvent(lc.EndedAt))
	return nil
}

// UpdateStatus is the operator override that sets both lifecycle flags in one
// call. Enabling claiming through this path bypasses the timed delay; ending
// through it records the end timestamp if none exists yet.
func (e *Engine) UpdateStatus(caller [20]byte, ended, claimingEnabled bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	lc, err := e.lifecycle()
	if err != nil {
		return err
	}
	lc.Ended = ended
	if ended && lc.EndedAt == 0 {
		lc.EndedAt = e.now()
	}
	lc.ClaimOverride = claimingEnabled
	if err := e.state.LifecyclePut(lc); err != nil {
		return err
	}
	e.emit(NewStatusUpdatedEvent(ended, claimingEnabled))
	return nil
}

// Claim releases the caller's entitlement once claiming is authorised. The
// entitlement is marked claimed before the ledger transfer so a re-entrant
// call observes the spent state; a failed transfer rolls the mark back so no
// partial transition is observable.
func (e *Engine) Claim(buyer [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.custody == ([20]byte{}) {
		return nil, errNilCustody
	}
	lc, err := e.lifecycle()
	if err != nil {
		return nil, err
	}
	if !lc.ClaimingEnabled(e.now()) {
		return nil, ErrClaimingNotEnabled
	}
	entitlement, ok, err := e.state.EntitlementGet(buyer)
	if err != nil {
		return nil, err
	}
	if !ok || entitlement.TokenAmount.Sign() == 0 {
		return nil, ErrNoEntitlement
	}
	if entitlement.Claimed {
		return nil, ErrAlreadyClaimed
	}
	entitlement.Claimed = true
	if err := e.state.EntitlementPut(entitlement); err != nil {
		return nil, err
	}
	amount := cloneBigInt(entitlement.TokenAmount)
	if err := e.ledger.Transfer(e.custody, buyer, amount); err != nil {
		entitlement.Claimed = false
		if restoreErr := e.state.EntitlementPut(entitlement); restoreErr != nil {
			return nil, fmt.Errorf("presale: claim transfer failed (%v) and rollback failed: %w", err, restoreErr)
		}
		return nil, err
	}
	e.emit(NewClaimedEvent(buyer, amount))
	return amount, nil
}

// WithdrawPayment moves the engine's whole collected native balance to the
// owner. Safe no-op once the balance is zero.
func (e *Engine) WithdrawPayment(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	balance, err := e.state.NativeBalanceGet(e.custody)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	ownerBalance, err := e.state.NativeBalanceGet(caller)
	if err != nil {
		return nil, err
	}
	if err := e.state.NativeBalancePut(e.custody, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := e.state.NativeBalancePut(caller, new(big.Int).Add(ownerBalance, balance)); err != nil {
		if restoreErr := e.state.NativeBalancePut(e.custody, balance); restoreErr != nil {
			return nil, fmt.Errorf("presale: payout credit failed (%v) and rollback failed: %w", err, restoreErr)
		}
		return nil, err
	}
	e.emit(NewPaymentWithdrawnEvent(caller, balance))
	return cloneBigInt(balance), nil
}

// WithdrawUnsoldInventory moves the engine's remaining token balance to the
// owner once the presale has ended.
func (e *Engine) WithdrawUnsoldInventory(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	lc, err := e.lifecycle()
	if err != nil {
		return nil, err
	}
	if !lc.Ended {
		return nil, ErrPresaleNotEnded
	}
	balance, err := e.ledger.BalanceOf(e.custody)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := e.ledger.Transfer(e.custody, caller, balance); err != nil {
		return nil, err
	}
	e.emit(NewInventoryWithdrawnEvent(caller, balance))
	return cloneBigInt(balance), nil
}

// Status reports the lifecycle view consumed by external tooling. The
// claiming flag is derived through the same rule Claim enforces.
func (e *Engine) Status() (Status, error) {
	if e == nil || e.state == nil {
		return Status{}, errNilState
	}
	lc, err := e.lifecycle()
	if err != nil {
		return Status{}, err
	}
	status := Status{
		IsPresaleEnded:    lc.Ended,
		IsClaimingEnabled: lc.ClaimingEnabled(e.now()),
		CurrentStageID:    lc.CurrentStageID,
	}
	if stage, err := e.activeStage(lc); err == nil && stage != nil {
		status.IsActive = true
	}
	return status, nil
}

// Stage returns the stored stage record for the supplied id.
func (e *Engine) Stage(id uint64) (*Stage, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stage, ok, err := e.state.StageGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStageNotFound
	}
	return stage.Clone(), nil
}

// Entitlement returns the stored entitlement for the supplied buyer.
func (e *Engine) Entitlement(buyer [20]byte) (*Entitlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	entitlement, ok, err := e.state.EntitlementGet(buyer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoEntitlement
	}
	return entitlement.Clone(), nil
}
