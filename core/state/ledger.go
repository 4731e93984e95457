package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"blmnsale/native/ledger"
)

var (
	tokenMetadataKey      = []byte("ledger/token")
	ledgerBalancePrefix   = []byte("ledger/balance/")
	ledgerAllowancePrefix = []byte("ledger/allowance/")
	nativeBalancePrefix   = []byte("native/balance/")
)

func ledgerBalanceKey(addr [20]byte) []byte {
	return prefixedKey(ledgerBalancePrefix, addr[:])
}

func ledgerAllowanceKey(owner, spender [20]byte) []byte {
	buf := make([]byte, len(owner)+1+len(spender))
	copy(buf, owner[:])
	buf[len(owner)] = ':'
	copy(buf[len(owner)+1:], spender[:])
	return prefixedKey(ledgerAllowancePrefix, buf)
}

func nativeBalanceKey(addr [20]byte) []byte {
	return prefixedKey(nativeBalancePrefix, addr[:])
}

type storedToken struct {
	Symbol         string
	Name           string
	Decimals       uint8
	TotalSupply    *big.Int
	Owner          [20]byte
	Distributor    [20]byte
	BurnSink       [20]byte
	TransferLocked bool
}

// TokenGet loads the ledger metadata. The boolean reports whether the ledger
// has been initialised.
func (m *Manager) TokenGet() (*ledger.Token, bool, error) {
	data, err := m.rawGet(kvKey(tokenMetadataKey))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedToken)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	token := &ledger.Token{
		Symbol:         stored.Symbol,
		Name:           stored.Name,
		Decimals:       stored.Decimals,
		TotalSupply:    stored.TotalSupply,
		Owner:          stored.Owner,
		Distributor:    stored.Distributor,
		BurnSink:       stored.BurnSink,
		TransferLocked: stored.TransferLocked,
	}
	return token, true, nil
}

// TokenPut persists the ledger metadata.
func (m *Manager) TokenPut(token *ledger.Token) error {
	sanitized, err := ledger.SanitizeToken(token)
	if err != nil {
		return err
	}
	stored := &storedToken{
		Symbol:         sanitized.Symbol,
		Name:           sanitized.Name,
		Decimals:       sanitized.Decimals,
		TotalSupply:    sanitized.TotalSupply,
		Owner:          sanitized.Owner,
		Distributor:    sanitized.Distributor,
		BurnSink:       sanitized.BurnSink,
		TransferLocked: sanitized.TransferLocked,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(tokenMetadataKey), encoded)
}

func (m *Manager) balanceGet(key []byte) (*big.Int, error) {
	data, err := m.rawGet(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) balancePut(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("state: balance overflow")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// BalanceGet retrieves the token balance for the provided account.
func (m *Manager) BalanceGet(addr [20]byte) (*big.Int, error) {
	return m.balanceGet(ledgerBalanceKey(addr))
}

// BalancePut stores the token balance for the provided account.
func (m *Manager) BalancePut(addr [20]byte, amount *big.Int) error {
	return m.balancePut(ledgerBalanceKey(addr), amount)
}

// AllowanceGet retrieves the spender allowance granted by owner.
func (m *Manager) AllowanceGet(owner, spender [20]byte) (*big.Int, error) {
	return m.balanceGet(ledgerAllowanceKey(owner, spender))
}

// AllowancePut stores the spender allowance granted by owner.
func (m *Manager) AllowancePut(owner, spender [20]byte, amount *big.Int) error {
	return m.balancePut(ledgerAllowanceKey(owner, spender), amount)
}

// NativeBalanceGet retrieves the native currency balance for the provided
// account.
func (m *Manager) NativeBalanceGet(addr [20]byte) (*big.Int, error) {
	return m.balanceGet(nativeBalanceKey(addr))
}

// NativeBalancePut stores the native currency balance for the provided
// account.
func (m *Manager) NativeBalancePut(addr [20]byte, amount *big.Int) error {
	return m.balancePut(nativeBalanceKey(addr), amount)
}
