package presale

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"blmnsale/core/events"
)

type mockState struct {
	stages       map[uint64]*Stage
	lifecycle    *Lifecycle
	entitlements map[[20]byte]*Entitlement
	native       map[[20]byte]*big.Int
	receipts     []*Receipt
}

func newMockState() *mockState {
	return &mockState{
		stages:       make(map[uint64]*Stage),
		entitlements: make(map[[20]byte]*Entitlement),
		native:       make(map[[20]byte]*big.Int),
	}
}

func (m *mockState) StageGet(id uint64) (*Stage, bool, error) {
	stage, ok := m.stages[id]
	if !ok {
		return nil, false, nil
	}
	return stage.Clone(), true, nil
}

func (m *mockState) StagePut(s *Stage) error {
	sanitized, err := SanitizeStage(s)
	if err != nil {
		return err
	}
	m.stages[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) LifecycleGet() (*Lifecycle, error) {
	return m.lifecycle.Clone(), nil
}

func (m *mockState) LifecyclePut(l *Lifecycle) error {
	m.lifecycle = l.Clone()
	return nil
}

func (m *mockState) EntitlementGet(buyer [20]byte) (*Entitlement, bool, error) {
	entitlement, ok := m.entitlements[buyer]
	if !ok {
		return nil, false, nil
	}
	return entitlement.Clone(), true, nil
}

func (m *mockState) EntitlementPut(e *Entitlement) error {
	m.entitlements[e.Buyer] = e.Clone()
	return nil
}

func (m *mockState) NativeBalanceGet(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.native[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) NativeBalancePut(addr [20]byte, amount *big.Int) error {
	m.native[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) ReceiptPut(r *Receipt) error {
	m.receipts = append(m.receipts, r.Clone())
	return nil
}

// mockLedger satisfies TokenLedger with an in-memory balance table and an
// injectable transfer failure.
type mockLedger struct {
	owner       [20]byte
	balances    map[[20]byte]*big.Int
	transferErr error
}

func newMockLedger(owner [20]byte) *mockLedger {
	return &mockLedger{owner: owner, balances: make(map[[20]byte]*big.Int)}
}

func (m *mockLedger) credit(addr [20]byte, amount *big.Int) {
	current := m.balances[addr]
	if current == nil {
		current = big.NewInt(0)
	}
	m.balances[addr] = new(big.Int).Add(current, amount)
}

func (m *mockLedger) Transfer(caller, to [20]byte, amount *big.Int) error {
	if m.transferErr != nil {
		return m.transferErr
	}
	balance := m.balances[caller]
	if balance == nil || balance.Cmp(amount) < 0 {
		return errors.New("mock ledger: insufficient balance")
	}
	m.balances[caller] = new(big.Int).Sub(balance, amount)
	m.credit(to, amount)
	return nil
}

func (m *mockLedger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if balance, ok := m.balances[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedger) Owner() ([20]byte, error) { return m.owner, nil }

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

const testNow int64 = 1_700_000_000

type testHarness struct {
	engine  *Engine
	state   *mockState
	ledger  *mockLedger
	oracle  *ManualOracle
	owner   [20]byte
	custody [20]byte
	now     int64
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		state:   newMockState(),
		oracle:  NewManualOracle(),
		owner:   newTestAddress(0x01),
		custody: newTestAddress(0x11),
		now:     testNow,
	}
	h.ledger = newMockLedger(h.owner)
	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetLedger(h.ledger)
	h.engine.SetOracle(h.oracle)
	h.engine.SetCustody(h.custody)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

func (h *testHarness) advance(seconds int64) { h.now += seconds }

// tokens converts a whole-token count into the 18-decimal representation.
func tokens(units int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	return new(big.Int).Mul(big.NewInt(units), scale)
}

// usdMicro converts a price in millionths of a USD into the 18-decimal
// representation used by stage prices.
func usdMicro(micro int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals-6), nil)
	return new(big.Int).Mul(big.NewInt(micro), scale)
}

func (h *testHarness) setRate(t *testing.T, decimal string) {
	t.Helper()
	if err := h.oracle.SetDecimal(decimal, time.Unix(h.now, 0)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
}

func (h *testHarness) openStage(t *testing.T, priceUSD *big.Int) *Stage {
	t.Helper()
	stage, err := h.engine.CreateNextStage(h.owner, priceUSD)
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	return stage
}

func TestCreateNextStage(t *testing.T) {
	h := newTestHarness(t)

	if _, err := h.engine.CreateNextStage(newTestAddress(0x99), usdMicro(2_500)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.CreateNextStage(h.owner, big.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	first := h.openStage(t, usdMicro(2_500))
	if first.ID != 1 || !first.Active {
		t.Fatalf("unexpected first stage: %+v", first)
	}
	second := h.openStage(t, usdMicro(5_000))
	if second.ID != 2 {
		t.Fatalf("stage ids must be monotonic, got %d", second.ID)
	}
	stored, err := h.engine.Stage(1)
	if err != nil {
		t.Fatalf("stage lookup: %v", err)
	}
	if stored.Active {
		t.Fatalf("previous stage must be deactivated")
	}
	if _, err := h.engine.Stage(9); !errors.Is(err, ErrStageNotFound) {
		t.Fatalf("expected ErrStageNotFound, got %v", err)
	}

	status, err := h.engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsActive || status.CurrentStageID != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestPurchaseSettlesExactCost(t *testing.T) {
	h := newTestHarness(t)
	// 0.0025 USD per token, native at 2000 USD: 1000 tokens cost 2.5 USD,
	// which is 0.00125 native.
	h.openStage(t, usdMicro(2_500))
	h.setRate(t, "2000")

	buyer := newTestAddress(0xAA)
	deposit := tokens(1) // 1e18 wei attached, far above the required amount
	if err := h.state.NativeBalancePut(buyer, deposit); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	receipt, err := h.engine.Purchase(buyer, tokens(1_000), deposit)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	required, _ := new(big.Int).SetString("1250000000000000", 10) // 0.00125 * 1e18
	if receipt.PaidWei.Cmp(required) != 0 {
		t.Fatalf("paid %s, want %s", receipt.PaidWei, required)
	}
	wantRefund := new(big.Int).Sub(deposit, required)
	if receipt.RefundWei.Cmp(wantRefund) != 0 {
		t.Fatalf("refund %s, want %s", receipt.RefundWei, wantRefund)
	}
	if receipt.StageID != 1 || receipt.OracleSource != "manual" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	// The buyer ends the call down exactly the required amount.
	buyerBalance, _ := h.state.NativeBalanceGet(buyer)
	if buyerBalance.Cmp(wantRefund) != 0 {
		t.Fatalf("buyer balance %s, want %s", buyerBalance, wantRefund)
	}
	custodyBalance, _ := h.state.NativeBalanceGet(h.custody)
	if custodyBalance.Cmp(required) != 0 {
		t.Fatalf("custody balance %s, want %s", custodyBalance, required)
	}

	entitlement, err := h.engine.Entitlement(buyer)
	if err != nil {
		t.Fatalf("entitlement: %v", err)
	}
	if entitlement.TokenAmount.Cmp(tokens(1_000)) != 0 {
		t.Fatalf("entitlement %s", entitlement.TokenAmount)
	}
	if entitlement.Claimed {
		t.Fatalf("entitlement must start unclaimed")
	}
	if len(h.state.receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(h.state.receipts))
	}
}

func TestPurchaseAccumulatesEntitlement(t *testing.T) {
	h := newTestHarness(t)
	h.openStage(t, usdMicro(2_500))
	h.setRate(t, "2000")

	buyer := newTestAddress(0xAA)
	if err := h.state.NativeBalancePut(buyer, tokens(1)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if _, err := h.engine.Purchase(buyer, tokens(400), tokens(1)); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	h.openStage(t, usdMicro(5_000))
	balance, _ := h.state.NativeBalanceGet(buyer)
	if _, err := h.engine.Purchase(buyer, tokens(600), balance); err != nil {
		t.Fatalf("second purchase: %v", err)
	}

	entitlement, err := h.engine.Entitlement(buyer)
	if err != nil {
		t.Fatalf("entitlement: %v", err)
	}
	if entitlement.TokenAmount.Cmp(tokens(1_000)) != 0 {
		t.Fatalf("accumulated entitlement %s", entitlement.TokenAmount)
	}
	if entitlement.StageID != 2 {
		t.Fatalf("stage id must follow the latest purchase, got %d", entitlement.StageID)
	}
	if len(h.state.receipts) != 2 {
		t.Fatalf("expected two receipts, got %d", len(h.state.receipts))
	}
}

func TestPurchaseValidations(t *testing.T) {
	h := newTestHarness(t)
	buyer := newTestAddress(0xAA)

	if _, err := h.engine.Purchase(buyer, tokens(10), tokens(1)); !errors.Is(err, ErrNoActiveStage) {
		t.Fatalf("expected ErrNoActiveStage, got %v", err)
	}

	h.openStage(t, usdMicro(2_500))
	h.setRate(t, "2000")
	if err := h.state.NativeBalancePut(buyer, tokens(1)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	cases := []struct {
		name    string
		amount  *big.Int
		payment *big.Int
		wantErr error
	}{
		{name: "zero amount", amount: big.NewInt(0), payment: tokens(1), wantErr: ErrInvalidAmount},
		{name: "zero payment", amount: tokens(10), payment: big.NewInt(0), wantErr: ErrInvalidPurchaseAmount},
		{name: "payment below cost", amount: tokens(1_000), payment: big.NewInt(1), wantErr: ErrInsufficientPayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.Purchase(buyer, tc.amount, tc.payment); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	t.Run("unfunded buyer", func(t *testing.T) {
		poor := newTestAddress(0xBB)
		if _, err := h.engine.Purchase(poor, tokens(1_000), tokens(1)); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
	})

	t.Run("stale oracle", func(t *testing.T) {
		h.oracle.Set(big.NewInt(2_000*1e8), time.Unix(h.now-int64(DefaultQuoteMaxAge/time.Second)-1, 0))
		if _, err := h.engine.Purchase(buyer, tokens(10), tokens(1)); !errors.Is(err, ErrInvalidPriceData) {
			t.Fatalf("expected ErrInvalidPriceData, got %v", err)
		}
	})

	t.Run("ended presale", func(t *testing.T) {
		h.setRate(t, "2000")
		if err := h.engine.EndPresale(h.owner); err != nil {
			t.Fatalf("end presale: %v", err)
		}
		if _, err := h.engine.Purchase(buyer, tokens(10), tokens(1)); !errors.Is(err, ErrNoActiveStage) {
			t.Fatalf("expected ErrNoActiveStage, got %v", err)
		}
	})
}

func TestRequiredPaymentRoundsUp(t *testing.T) {
	h := newTestHarness(t)
	// 1 token at 1 USD with the native at 3 USD: the exact cost is a
	// repeating fraction, so the charge rounds up by one wei.
	h.openStage(t, usdMicro(1_000_000))
	h.setRate(t, "3")

	buyer := newTestAddress(0xAA)
	if err := h.state.NativeBalancePut(buyer, tokens(1)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	receipt, err := h.engine.Purchase(buyer, tokens(1), tokens(1))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	exactFloor, _ := new(big.Int).SetString("333333333333333333", 10)
	want := new(big.Int).Add(exactFloor, big.NewInt(1))
	if receipt.PaidWei.Cmp(want) != 0 {
		t.Fatalf("paid %s, want rounded-up %s", receipt.PaidWei, want)
	}
}

func TestEndPresale(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.EndPresale(newTestAddress(0x99)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.EndPresale(h.owner); err != nil {
		t.Fatalf("end presale: %v", err)
	}
	if err := h.engine.EndPresale(h.owner); !errors.Is(err, ErrAlreadyEnded) {
		t.Fatalf("expected ErrAlreadyEnded, got %v", err)
	}
	status, err := h.engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsPresaleEnded || status.IsClaimingEnabled {
		t.Fatalf("unexpected status: %+v", status)
	}
	if h.state.lifecycle.EndedAt != testNow {
		t.Fatalf("end timestamp %d, want %d", h.state.lifecycle.EndedAt, testNow)
	}
}

// seedClaim runs a complete purchase so the buyer holds an unclaimed
// entitlement and the custody holds token inventory.
func seedClaim(t *testing.T, h *testHarness, buyer [20]byte) *big.Int {
	t.Helper()
	h.openStage(t, usdMicro(2_500))
	h.setRate(t, "2000")
	if err := h.state.NativeBalancePut(buyer, tokens(1)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if _, err := h.engine.Purchase(buyer, tokens(1_000), tokens(1)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.ledger.credit(h.custody, tokens(550_000_000))
	return tokens(1_000)
}

func TestClaimDelayBoundary(t *testing.T) {
	h := newTestHarness(t)
	buyer := newTestAddress(0xAA)
	amount := seedClaim(t, h, buyer)

	if _, err := h.engine.Claim(buyer); !errors.Is(err, ErrClaimingNotEnabled) {
		t.Fatalf("expected ErrClaimingNotEnabled before end, got %v", err)
	}
	if err := h.engine.EndPresale(h.owner); err != nil {
		t.Fatalf("end presale: %v", err)
	}

	// One second short of the delay the claim is still refused.
	h.advance(ClaimDelaySeconds - 1)
	if _, err := h.engine.Claim(buyer); !errors.Is(err, ErrClaimingNotEnabled) {
		t.Fatalf("expected ErrClaimingNotEnabled one second early, got %v", err)
	}
	h.advance(1)
	claimed, err := h.engine.Claim(buyer)
	if err != nil {
		t.Fatalf("claim at boundary: %v", err)
	}
	if claimed.Cmp(amount) != 0 {
		t.Fatalf("claimed %s, want %s", claimed, amount)
	}
	balance, _ := h.ledger.BalanceOf(buyer)
	if balance.Cmp(amount) != 0 {
		t.Fatalf("buyer token balance %s", balance)
	}

	if _, err := h.engine.Claim(buyer); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimOverrideBypassesDelay(t *testing.T) {
	h := newTestHarness(t)
	buyer := newTestAddress(0xAA)
	amount := seedClaim(t, h, buyer)

	if err := h.engine.UpdateStatus(newTestAddress(0x99), true, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.UpdateStatus(h.owner, true, true); err != nil {
		t.Fatalf("update status: %v", err)
	}

	status, _ := h.engine.Status()
	if !status.IsClaimingEnabled {
		t.Fatalf("override must enable claiming immediately")
	}
	claimed, err := h.engine.Claim(buyer)
	if err != nil {
		t.Fatalf("override claim: %v", err)
	}
	if claimed.Cmp(amount) != 0 {
		t.Fatalf("claimed %s, want %s", claimed, amount)
	}
}

func TestClaimWithoutEntitlement(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.UpdateStatus(h.owner, true, true); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := h.engine.Claim(newTestAddress(0xAA)); !errors.Is(err, ErrNoEntitlement) {
		t.Fatalf("expected ErrNoEntitlement, got %v", err)
	}
}

func TestClaimRollsBackOnTransferFailure(t *testing.T) {
	h := newTestHarness(t)
	buyer := newTestAddress(0xAA)
	seedClaim(t, h, buyer)
	if err := h.engine.UpdateStatus(h.owner, true, true); err != nil {
		t.Fatalf("update status: %v", err)
	}

	transferErr := errors.New("ledger down")
	h.ledger.transferErr = transferErr
	if _, err := h.engine.Claim(buyer); !errors.Is(err, transferErr) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	entitlement, err := h.engine.Entitlement(buyer)
	if err != nil {
		t.Fatalf("entitlement: %v", err)
	}
	if entitlement.Claimed {
		t.Fatalf("claim mark must be rolled back on transfer failure")
	}

	h.ledger.transferErr = nil
	if _, err := h.engine.Claim(buyer); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestWithdrawPayment(t *testing.T) {
	h := newTestHarness(t)
	buyer := newTestAddress(0xAA)
	seedClaim(t, h, buyer)

	if _, err := h.engine.WithdrawPayment(newTestAddress(0x99)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	collected, _ := h.state.NativeBalanceGet(h.custody)
	if collected.Sign() <= 0 {
		t.Fatalf("custody must hold collected payment")
	}
	withdrawn, err := h.engine.WithdrawPayment(h.owner)
	if err != nil {
		t.Fatalf("withdraw payment: %v", err)
	}
	if withdrawn.Cmp(collected) != 0 {
		t.Fatalf("withdrawn %s, want %s", withdrawn, collected)
	}
	ownerBalance, _ := h.state.NativeBalanceGet(h.owner)
	if ownerBalance.Cmp(collected) != 0 {
		t.Fatalf("owner balance %s, want %s", ownerBalance, collected)
	}
	// Draining an empty custody is a safe no-op.
	again, err := h.engine.WithdrawPayment(h.owner)
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if again.Sign() != 0 {
		t.Fatalf("expected zero from drained custody, got %s", again)
	}
}

func TestWithdrawUnsoldInventory(t *testing.T) {
	h := newTestHarness(t)
	inventory := tokens(100_000)
	h.ledger.credit(h.custody, inventory)

	if _, err := h.engine.WithdrawUnsoldInventory(h.owner); !errors.Is(err, ErrPresaleNotEnded) {
		t.Fatalf("expected ErrPresaleNotEnded, got %v", err)
	}
	if err := h.engine.EndPresale(h.owner); err != nil {
		t.Fatalf("end presale: %v", err)
	}
	if _, err := h.engine.WithdrawUnsoldInventory(newTestAddress(0x99)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	withdrawn, err := h.engine.WithdrawUnsoldInventory(h.owner)
	if err != nil {
		t.Fatalf("withdraw inventory: %v", err)
	}
	if withdrawn.Cmp(inventory) != 0 {
		t.Fatalf("withdrawn %s, want %s", withdrawn, inventory)
	}
	ownerBalance, _ := h.ledger.BalanceOf(h.owner)
	if ownerBalance.Cmp(inventory) != 0 {
		t.Fatalf("owner token balance %s", ownerBalance)
	}
}

func TestEngineEmitsEvents(t *testing.T) {
	h := newTestHarness(t)
	recorder := events.NewRecorder(16)
	h.engine.SetEmitter(recorder)

	buyer := newTestAddress(0xAA)
	seedClaim(t, h, buyer)
	if err := h.engine.UpdateStatus(h.owner, true, true); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := h.engine.Claim(buyer); err != nil {
		t.Fatalf("claim: %v", err)
	}

	wantTypes := []string{
		EventTypeStageCreated,
		EventTypePurchase,
		EventTypeStatusUpdated,
		EventTypeClaimed,
	}
	emitted := recorder.Events()
	if len(emitted) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(emitted))
	}
	for i, evt := range emitted {
		if evt.Type != wantTypes[i] {
			t.Fatalf("event %d: %s, want %s", i, evt.Type, wantTypes[i])
		}
	}
}
