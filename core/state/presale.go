package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"blmnsale/native/presale"
)

var (
	presaleStagePrefix   = []byte("presale/stage/")
	presaleLifecycleKey  = []byte("presale/lifecycle")
	presaleUserPrefix    = []byte("presale/user/")
	presaleReceiptPrefix = []byte("presale/receipt/")
	presaleReceiptIndex  = []byte("presale/receipt/index")
)

func presaleStageKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return prefixedKey(presaleStagePrefix, buf)
}

func presaleUserKey(addr [20]byte) []byte {
	return prefixedKey(presaleUserPrefix, addr[:])
}

func presaleReceiptKey(id string) []byte {
	return prefixedKey(presaleReceiptPrefix, []byte(strings.TrimSpace(id)))
}

type storedStage struct {
	ID        uint64
	PriceUSD  *big.Int
	Active    bool
	CreatedAt uint64
}

type storedEntitlement struct {
	Buyer       [20]byte
	TokenAmount *big.Int
	PaidWei     *big.Int
	Claimed     bool
	StageID     uint64
}

type storedLifecycle struct {
	CurrentStageID uint64
	Ended          bool
	EndedAt        uint64
	ClaimOverride  bool
}

type storedReceipt struct {
	ID           string
	Buyer        [20]byte
	StageID      uint64
	TokenAmount  *big.Int
	PaidWei      *big.Int
	RefundWei    *big.Int
	USDCost      *big.Int
	OracleRate   *big.Int
	OracleSource string
	CreatedAt    uint64
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// StageGet loads the stage stored under the supplied id.
func (m *Manager) StageGet(id uint64) (*presale.Stage, bool, error) {
	data, err := m.rawGet(presaleStageKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedStage)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	stage := &presale.Stage{
		ID:        stored.ID,
		PriceUSD:  stored.PriceUSD,
		Active:    stored.Active,
		CreatedAt: int64(stored.CreatedAt),
	}
	return stage, true, nil
}

// StagePut persists the supplied stage record.
func (m *Manager) StagePut(stage *presale.Stage) error {
	sanitized, err := presale.SanitizeStage(stage)
	if err != nil {
		return err
	}
	stored := &storedStage{
		ID:        sanitized.ID,
		PriceUSD:  sanitized.PriceUSD,
		Active:    sanitized.Active,
		CreatedAt: uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(presaleStageKey(sanitized.ID), encoded)
}

// LifecycleGet loads the presale lifecycle flags, defaulting to the zero
// value when the presale has not been touched yet.
func (m *Manager) LifecycleGet() (*presale.Lifecycle, error) {
	data, err := m.rawGet(kvKey(presaleLifecycleKey))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &presale.Lifecycle{}, nil
	}
	stored := new(storedLifecycle)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return &presale.Lifecycle{
		CurrentStageID: stored.CurrentStageID,
		Ended:          stored.Ended,
		EndedAt:        int64(stored.EndedAt),
		ClaimOverride:  stored.ClaimOverride,
	}, nil
}

// LifecyclePut persists the presale lifecycle flags.
func (m *Manager) LifecyclePut(lc *presale.Lifecycle) error {
	if lc == nil {
		return fmt.Errorf("state: nil lifecycle")
	}
	if lc.EndedAt < 0 {
		return fmt.Errorf("state: negative end timestamp")
	}
	stored := &storedLifecycle{
		CurrentStageID: lc.CurrentStageID,
		Ended:          lc.Ended,
		EndedAt:        uint64(lc.EndedAt),
		ClaimOverride:  lc.ClaimOverride,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(presaleLifecycleKey), encoded)
}

// EntitlementGet loads the entitlement stored for the supplied buyer.
func (m *Manager) EntitlementGet(buyer [20]byte) (*presale.Entitlement, bool, error) {
	data, err := m.rawGet(presaleUserKey(buyer))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedEntitlement)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	return &presale.Entitlement{
		Buyer:       stored.Buyer,
		TokenAmount: stored.TokenAmount,
		PaidWei:     stored.PaidWei,
		Claimed:     stored.Claimed,
		StageID:     stored.StageID,
	}, true, nil
}

// EntitlementPut persists the supplied entitlement.
func (m *Manager) EntitlementPut(u *presale.Entitlement) error {
	if u == nil {
		return fmt.Errorf("state: nil entitlement")
	}
	stored := &storedEntitlement{
		Buyer:       u.Buyer,
		TokenAmount: nonNil(u.TokenAmount),
		PaidWei:     nonNil(u.PaidWei),
		Claimed:     u.Claimed,
		StageID:     u.StageID,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(presaleUserKey(u.Buyer), encoded)
}

// ReceiptPut persists a purchase receipt and records its id in the
// append-only index.
func (m *Manager) ReceiptPut(r *presale.Receipt) error {
	if r == nil {
		return fmt.Errorf("state: nil receipt")
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return fmt.Errorf("state: receipt id must not be empty")
	}
	stored := &storedReceipt{
		ID:           id,
		Buyer:        r.Buyer,
		StageID:      r.StageID,
		TokenAmount:  nonNil(r.TokenAmount),
		PaidWei:      nonNil(r.PaidWei),
		RefundWei:    nonNil(r.RefundWei),
		USDCost:      nonNil(r.USDCost),
		OracleRate:   nonNil(r.OracleRate),
		OracleSource: r.OracleSource,
		CreatedAt:    uint64(r.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	if err := m.db.Put(presaleReceiptKey(id), encoded); err != nil {
		return err
	}
	return m.KVAppend(presaleReceiptIndex, []byte(id))
}

// ReceiptGet loads a single receipt by id.
func (m *Manager) ReceiptGet(id string) (*presale.Receipt, bool, error) {
	data, err := m.rawGet(presaleReceiptKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedReceipt)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	return receiptFromStored(stored), true, nil
}

// ReceiptList returns every recorded receipt ordered by id for deterministic
// iteration.
func (m *Manager) ReceiptList() ([]*presale.Receipt, error) {
	var ids [][]byte
	if err := m.KVGetList(presaleReceiptIndex, &ids); err != nil {
		return nil, err
	}
	out := make([]*presale.Receipt, 0, len(ids))
	for _, id := range ids {
		receipt, ok, err := m.ReceiptGet(string(id))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, receipt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func receiptFromStored(stored *storedReceipt) *presale.Receipt {
	return &presale.Receipt{
		ID:           stored.ID,
		Buyer:        stored.Buyer,
		StageID:      stored.StageID,
		TokenAmount:  stored.TokenAmount,
		PaidWei:      stored.PaidWei,
		RefundWei:    stored.RefundWei,
		USDCost:      stored.USDCost,
		OracleRate:   stored.OracleRate,
		OracleSource: stored.OracleSource,
		CreatedAt:    int64(stored.CreatedAt),
	}
}
