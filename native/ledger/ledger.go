package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"blmnsale/core/events"
	"blmnsale/core/types"
)

var errNilState = errors.New("ledger engine: state not configured")

type engineState interface {
	TokenGet() (*Token, bool, error)
	TokenPut(*Token) error
	BalanceGet(addr [20]byte) (*big.Int, error)
	BalancePut(addr [20]byte, amount *big.Int) error
	AllowanceGet(owner, spender [20]byte) (*big.Int, error)
	AllowancePut(owner, spender [20]byte, amount *big.Int) error
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// Engine implements the fixed-supply asset ledger: allocation at
// initialisation, lock-gated transfers, voluntary burn and operator
// ownership.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates a ledger engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(ledgerEvent{evt: event})
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadToken() (*Token, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	token, ok, err := e.state.TokenGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return token, nil
}

// Initialize mints the fixed supply and distributes it across the six
// allocation recipients. The transfer lock starts engaged. The operation
// fails if the ledger has already been initialised.
func (e *Engine) Initialize(owner [20]byte, alloc AllocationConfig) (*Token, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if owner == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	if err := alloc.Validate(); err != nil {
		return nil, err
	}
	if _, ok, err := e.state.TokenGet(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}

	total := TotalSupplyWei()
	shares := []struct {
		addr [20]byte
		bps  int64
	}{
		{alloc.Presale, AllocPresaleBps},
		{alloc.Marketing, AllocMarketingBps},
		{alloc.Exchange, AllocExchangeBps},
		{alloc.Rewards, AllocRewardsBps},
		{alloc.Team, AllocTeamBps},
	}
	distributed := big.NewInt(0)
	for i, share := range shares {
		amount := allocationShare(total, share.bps)
		// The final tranche absorbs any division dust so the sum of
		// balances always equals the minted supply.
		if i == len(shares)-1 {
			amount = new(big.Int).Sub(total, distributed)
		}
		balance, err := e.state.BalanceGet(share.addr)
		if err != nil {
			return nil, err
		}
		if err := e.state.BalancePut(share.addr, new(big.Int).Add(balance, amount)); err != nil {
			return nil, err
		}
		distributed.Add(distributed, amount)
	}

	token := &Token{
		Symbol:         TokenSymbol,
		Name:           TokenName,
		Decimals:       TokenDecimals,
		TotalSupply:    total,
		Owner:          owner,
		Distributor:    alloc.Presale,
		BurnSink:       alloc.BurnSink,
		TransferLocked: true,
	}
	if err := e.state.TokenPut(token); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(token))
	return token.Clone(), nil
}

// lockExempt reports whether a transfer out of from, initiated by caller, is
// allowed while the global lock is engaged. The owner and the presale
// distributor stay operational so distribution wiring and entitlement claims
// work before unlock.
func lockExempt(token *Token, from, caller [20]byte) bool {
	if token == nil {
		return false
	}
	return caller == token.Owner || from == token.Owner || from == token.Distributor
}

// Transfer moves amount from caller to the recipient.
func (e *Engine) Transfer(caller, to [20]byte, amount *big.Int) error {
	token, err := e.loadToken()
	if err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	if token.TransferLocked && !lockExempt(token, caller, caller) {
		return ErrTransferLocked
	}
	if err := e.move(caller, to, amount); err != nil {
		return err
	}
	e.emit(NewTransferEvent(caller, to, amount))
	return nil
}

// TransferFrom moves amount from the from account to the recipient, consuming
// the caller's allowance.
func (e *Engine) TransferFrom(caller, from, to [20]byte, amount *big.Int) error {
	token, err := e.loadToken()
	if err != nil {
		return err
	}
	if to == ([20]byte{}) || from == ([20]byte{}) {
		return ErrZeroAddress
	}
	if token.TransferLocked && !lockExempt(token, from, caller) {
		return ErrTransferLocked
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := e.state.AllowanceGet(from, caller)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	if err := e.move(from, to, amt); err != nil {
		return err
	}
	if err := e.state.AllowancePut(from, caller, new(big.Int).Sub(allowance, amt)); err != nil {
		return err
	}
	e.emit(NewTransferEvent(from, to, amt))
	return nil
}

// Approve sets the caller's allowance for the spender.
func (e *Engine) Approve(caller, spender [20]byte, amount *big.Int) error {
	if _, err := e.loadToken(); err != nil {
		return err
	}
	if spender == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := e.state.AllowancePut(caller, spender, amt); err != nil {
		return err
	}
	e.emit(NewApprovalEvent(caller, spender, amt))
	return nil
}

// Burn destroys amount from the caller's balance and reduces the total
// supply. Irreversible. Non-owner burns are rejected while the transfer lock
// is engaged.
func (e *Engine) Burn(caller [20]byte, amount *big.Int) error {
	token, err := e.loadToken()
	if err != nil {
		return err
	}
	if token.TransferLocked && caller != token.Owner {
		return ErrTransferLocked
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := e.state.BalanceGet(caller)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.state.BalancePut(caller, new(big.Int).Sub(balance, amt)); err != nil {
		return err
	}
	token.TotalSupply = new(big.Int).Sub(token.TotalSupply, amt)
	if err := e.state.TokenPut(token); err != nil {
		return err
	}
	e.emit(NewBurnEvent(caller, amt, token.TotalSupply))
	return nil
}

// SetTransferLock toggles the global transfer lock. Owner only.
func (e *Engine) SetTransferLock(caller [20]byte, locked bool) error {
	token, err := e.loadToken()
	if err != nil {
		return err
	}
	if caller != token.Owner {
		return ErrUnauthorized
	}
	if token.TransferLocked == locked {
		return nil
	}
	token.TransferLocked = locked
	if err := e.state.TokenPut(token); err != nil {
		return err
	}
	e.emit(NewLockUpdatedEvent(locked))
	return nil
}

// TransferOwnership replaces the ledger owner. Owner only; the new owner must
// be a non-zero address.
func (e *Engine) TransferOwnership(caller, newOwner [20]byte) error {
	token, err := e.loadToken()
	if err != nil {
		return err
	}
	if caller != token.Owner {
		return ErrUnauthorized
	}
	if newOwner == ([20]byte{}) {
		return ErrZeroAddress
	}
	previous := token.Owner
	token.Owner = newOwner
	if err := e.state.TokenPut(token); err != nil {
		return err
	}
	e.emit(NewOwnershipTransferredEvent(previous, newOwner))
	return nil
}

// BalanceOf returns the current balance for the supplied address.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.BalanceGet(addr)
}

// Allowance returns the spender allowance granted by owner.
func (e *Engine) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.AllowanceGet(owner, spender)
}

// Owner returns the current operator address.
func (e *Engine) Owner() ([20]byte, error) {
	token, err := e.loadToken()
	if err != nil {
		return [20]byte{}, err
	}
	return token.Owner, nil
}

// Token returns the current ledger metadata.
func (e *Engine) Token() (*Token, error) {
	token, err := e.loadToken()
	if err != nil {
		return nil, err
	}
	return token.Clone(), nil
}

func (e *Engine) move(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := e.state.BalanceGet(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := e.state.BalanceGet(to)
	if err != nil {
		return err
	}
	if err := e.state.BalancePut(from, new(big.Int).Sub(fromBalance, amt)); err != nil {
		return err
	}
	if err := e.state.BalancePut(to, new(big.Int).Add(toBalance, amt)); err != nil {
		// Roll the debit back so a failed credit cannot destroy units.
		if restoreErr := e.state.BalancePut(from, fromBalance); restoreErr != nil {
			return fmt.Errorf("ledger: credit failed (%v) and debit rollback failed: %w", err, restoreErr)
		}
		return err
	}
	return nil
}
