package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"taolend/crypto"
	"taolend/native/lend"
	"taolend/storage"
)

// Manager reads and writes node state records over the raw key-value backend.
// It implements the lending engine's state and token-ledger interfaces: reads
// return detached copies, writes replace whole records, and keys are keccak
// hashes of prefixed identifiers so record families cannot collide.
type Manager struct {
	db storage.Database
}

var _ lend.TokenLedger = (*Manager)(nil)

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// TokenMetadata describes a token the ledger can settle.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(symbol string, addr []byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = '/'
	copy(buf[len(balancePrefix)+len(symbol)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

// load fetches the raw record stored under key. Missing keys report ok=false
// with a nil error so callers can distinguish absence from backend failure.
func (m *Manager) load(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func (m *Manager) store(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func normaliseToken(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) loadTokenList() ([]string, error) {
	data, ok, err := m.load(ethcrypto.Keccak256(tokenListKeyBytes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	data, ok, err := m.load(tokenMetadataKey(symbol))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a settleable token and records it in
// the token index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := normaliseToken(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.store(ethcrypto.Keccak256(tokenListKeyBytes), list); err != nil {
		return err
	}

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	}
	return m.store(tokenMetadataKey(normalized), meta)
}

// Token retrieves metadata for a registered token. Unregistered symbols
// return nil without error.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(normaliseToken(symbol))
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	meta, err := m.loadTokenMetadata(normaliseToken(symbol))
	return err == nil && meta != nil
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// SetBalance stores an account balance for the provided token. It is the
// genesis funding hook; runtime movements go through Transfer.
func (m *Manager) SetBalance(addr crypto.Address, symbol string, amount *big.Int) error {
	if addr.IsZero() {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := normaliseToken(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if meta, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	return m.store(balanceKey(normalized, addr.Bytes()), amount)
}

// Balance retrieves a token balance for the provided account. Accounts with
// no stored balance report zero.
func (m *Manager) Balance(addr crypto.Address, symbol string) (*big.Int, error) {
	data, ok, err := m.load(balanceKey(normaliseToken(symbol), addr.Bytes()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// Transfer moves tokens between accounts. The debit and credit are written
// together; any failure leaves both balances untouched.
func (m *Manager) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("transfer requires funded endpoints")
	}
	normalized := normaliseToken(token)
	if meta, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	fromBalance, err := m.Balance(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient %s balance", normalized)
	}
	if from.Equal(to) {
		return nil
	}
	toBalance, err := m.Balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.store(balanceKey(normalized, from.Bytes()), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := m.store(balanceKey(normalized, to.Bytes()), new(big.Int).Add(toBalance, amount)); err != nil {
		// Restore the debited balance so a failed credit cannot burn funds.
		if restoreErr := m.store(balanceKey(normalized, from.Bytes()), fromBalance); restoreErr != nil {
			return fmt.Errorf("credit failed: %v (restore failed: %v)", err, restoreErr)
		}
		return err
	}
	return nil
}

func (m *Manager) loadRoleMembers(role string) ([][]byte, error) {
	data, ok, err := m.load(roleKey(role))
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// GrantRole associates an address with the specified role. Duplicate grants
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) GrantRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if addr.IsZero() {
		return fmt.Errorf("address must not be empty")
	}
	members, err := m.loadRoleMembers(trimmed)
	if err != nil {
		return err
	}
	raw := addr.Bytes()
	for _, existing := range members {
		if string(existing) == string(raw) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), raw...))
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return m.store(roleKey(trimmed), members)
}

// RevokeRole removes an address from the specified role. Revoking an address
// that never held the role succeeds without a write.
func (m *Manager) RevokeRole(role string, addr crypto.Address) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	members, err := m.loadRoleMembers(trimmed)
	if err != nil {
		return err
	}
	raw := addr.Bytes()
	filtered := members[:0]
	removed := false
	for _, existing := range members {
		if string(existing) == string(raw) {
			removed = true
			continue
		}
		filtered = append(filtered, existing)
	}
	if !removed {
		return nil
	}
	return m.store(roleKey(trimmed), filtered)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([]crypto.Address, error) {
	members, err := m.loadRoleMembers(strings.TrimSpace(role))
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(members))
	for _, member := range members {
		if len(member) != 20 {
			return nil, fmt.Errorf("role %s: malformed member address", role)
		}
		out = append(out, crypto.MustNewAddress(member))
	}
	return out, nil
}

// HasRole reports whether the provided address holds the specified role.
// Errors while reading the underlying state report false, matching the
// best-effort semantics required by the callers.
func (m *Manager) HasRole(role string, addr crypto.Address) bool {
	if addr.IsZero() {
		return false
	}
	members, err := m.loadRoleMembers(strings.TrimSpace(role))
	if err != nil {
		return false
	}
	raw := addr.Bytes()
	for _, member := range members {
		if string(member) == string(raw) {
			return true
		}
	}
	return false
}
