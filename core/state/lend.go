package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"taolend/crypto"
	"taolend/native/lend"
)

func lendPositionKey(addr []byte) []byte {
	buf := make([]byte, len(lendPositionPrefix)+len(addr))
	copy(buf, lendPositionPrefix)
	copy(buf[len(lendPositionPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type storedVaultAccount struct {
	Amount *big.Int
	Shares *big.Int
}

func newStoredVaultAccount(v *lend.VaultAccount) storedVaultAccount {
	if v == nil {
		return storedVaultAccount{Amount: big.NewInt(0), Shares: big.NewInt(0)}
	}
	return storedVaultAccount{Amount: cloneBigInt(v.Amount), Shares: cloneBigInt(v.Shares)}
}

func (s storedVaultAccount) toVaultAccount() *lend.VaultAccount {
	return &lend.VaultAccount{Amount: cloneBigInt(s.Amount), Shares: cloneBigInt(s.Shares)}
}

type storedAccessFlags struct {
	Paused  bool
	Revoked bool
}

type storedAccessControls struct {
	Repay     storedAccessFlags
	Withdraw  storedAccessFlags
	Liquidate storedAccessFlags
	Interest  storedAccessFlags
}

func newStoredAccessControls(a lend.AccessControls) storedAccessControls {
	return storedAccessControls{
		Repay:     storedAccessFlags(a.Repay),
		Withdraw:  storedAccessFlags(a.Withdraw),
		Liquidate: storedAccessFlags(a.Liquidate),
		Interest:  storedAccessFlags(a.Interest),
	}
}

func (s storedAccessControls) toAccessControls() lend.AccessControls {
	return lend.AccessControls{
		Repay:     lend.AccessFlags(s.Repay),
		Withdraw:  lend.AccessFlags(s.Withdraw),
		Liquidate: lend.AccessFlags(s.Liquidate),
		Interest:  lend.AccessFlags(s.Interest),
	}
}

// storedRiskParameters keeps the nil-means-unbounded limits behind explicit
// presence flags because the wire encoding cannot round-trip nil integers.
type storedRiskParameters struct {
	MaxLTVBps                 uint64
	CleanLiquidationFeeBps    uint64
	DirtyLiquidationFeeBps    uint64
	ProtocolLiquidationFeeBps uint64
	DirtyThresholdBps         uint64
	MaxOracleDeviationBps     uint64
	MaxPriceAgeSeconds        uint64
	HasDepositLimit           bool
	DepositLimit              *big.Int
	HasBorrowLimit            bool
	BorrowLimit               *big.Int
}

func newStoredRiskParameters(p lend.RiskParameters) storedRiskParameters {
	stored := storedRiskParameters{
		MaxLTVBps:                 p.MaxLTVBps,
		CleanLiquidationFeeBps:    p.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    p.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: p.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         p.DirtyThresholdBps,
		MaxOracleDeviationBps:     p.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        p.MaxPriceAgeSeconds,
		DepositLimit:              big.NewInt(0),
		BorrowLimit:               big.NewInt(0),
	}
	if p.DepositLimit != nil {
		stored.HasDepositLimit = true
		stored.DepositLimit = new(big.Int).Set(p.DepositLimit)
	}
	if p.BorrowLimit != nil {
		stored.HasBorrowLimit = true
		stored.BorrowLimit = new(big.Int).Set(p.BorrowLimit)
	}
	return stored
}

func (s storedRiskParameters) toRiskParameters() lend.RiskParameters {
	params := lend.RiskParameters{
		MaxLTVBps:                 s.MaxLTVBps,
		CleanLiquidationFeeBps:    s.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    s.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: s.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         s.DirtyThresholdBps,
		MaxOracleDeviationBps:     s.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        s.MaxPriceAgeSeconds,
	}
	if s.HasDepositLimit {
		params.DepositLimit = cloneBigInt(s.DepositLimit)
	}
	if s.HasBorrowLimit {
		params.BorrowLimit = cloneBigInt(s.BorrowLimit)
	}
	return params
}

type storedPairState struct {
	Owner           [20]byte
	TotalAsset      storedVaultAccount
	TotalBorrow     storedVaultAccount
	TotalCollateral *big.Int
	LastAccrual     uint64
	CurrentRate     *big.Int
	OracleSource    string
	RateSource      string
	MaxLTVRevoked   bool
	Access          storedAccessControls
	Params          storedRiskParameters
}

func newStoredPairState(p *lend.PairState) *storedPairState {
	if p == nil {
		return nil
	}
	stored := &storedPairState{
		TotalAsset:      newStoredVaultAccount(p.TotalAsset),
		TotalBorrow:     newStoredVaultAccount(p.TotalBorrow),
		TotalCollateral: cloneBigInt(p.TotalCollateral),
		LastAccrual:     p.LastAccrual,
		CurrentRate:     cloneBigInt(p.CurrentRate),
		OracleSource:    p.OracleSource,
		RateSource:      p.RateSource,
		MaxLTVRevoked:   p.MaxLTVRevoked,
		Access:          newStoredAccessControls(p.Access),
		Params:          newStoredRiskParameters(p.Params),
	}
	copy(stored.Owner[:], p.Owner.Bytes())
	return stored
}

func (s *storedPairState) toPairState() (*lend.PairState, error) {
	if s == nil {
		return nil, fmt.Errorf("lend: nil pair storage record")
	}
	return &lend.PairState{
		Owner:           crypto.MustNewAddress(s.Owner[:]),
		TotalAsset:      s.TotalAsset.toVaultAccount(),
		TotalBorrow:     s.TotalBorrow.toVaultAccount(),
		TotalCollateral: cloneBigInt(s.TotalCollateral),
		LastAccrual:     s.LastAccrual,
		CurrentRate:     cloneBigInt(s.CurrentRate),
		OracleSource:    s.OracleSource,
		RateSource:      s.RateSource,
		MaxLTVRevoked:   s.MaxLTVRevoked,
		Access:          s.Access.toAccessControls(),
		Params:          s.Params.toRiskParameters(),
	}, nil
}

type storedUserPosition struct {
	Address      [20]byte
	SupplyShares *big.Int
	BorrowShares *big.Int
	Collateral   *big.Int
}

func newStoredUserPosition(p *lend.UserPosition) *storedUserPosition {
	if p == nil {
		return nil
	}
	stored := &storedUserPosition{
		SupplyShares: cloneBigInt(p.SupplyShares),
		BorrowShares: cloneBigInt(p.BorrowShares),
		Collateral:   cloneBigInt(p.Collateral),
	}
	copy(stored.Address[:], p.Address.Bytes())
	return stored
}

func (s *storedUserPosition) toUserPosition() (*lend.UserPosition, error) {
	if s == nil {
		return nil, fmt.Errorf("lend: nil position storage record")
	}
	return &lend.UserPosition{
		Address:      crypto.MustNewAddress(s.Address[:]),
		SupplyShares: cloneBigInt(s.SupplyShares),
		BorrowShares: cloneBigInt(s.BorrowShares),
		Collateral:   cloneBigInt(s.Collateral),
	}, nil
}

type storedFeeAccrual struct {
	CollateralFees *big.Int
}

type storedPriceRecord struct {
	RateNum   *big.Int
	RateDenom *big.Int
	UpdatedAt *big.Int
}

func newStoredPriceRecord(r *lend.PriceRecord) (*storedPriceRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("lend: nil price record")
	}
	if r.Rate == nil || r.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("lend: price record requires a positive rate")
	}
	return &storedPriceRecord{
		RateNum:   new(big.Int).Set(r.Rate.Num()),
		RateDenom: new(big.Int).Set(r.Rate.Denom()),
		UpdatedAt: big.NewInt(r.UpdatedAt),
	}, nil
}

func (s *storedPriceRecord) toPriceRecord() (*lend.PriceRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("lend: nil price storage record")
	}
	if s.RateNum == nil || s.RateDenom == nil || s.RateDenom.Sign() == 0 {
		return nil, fmt.Errorf("lend: malformed stored price rate")
	}
	record := &lend.PriceRecord{Rate: new(big.Rat).SetFrac(s.RateNum, s.RateDenom)}
	if s.UpdatedAt != nil {
		record.UpdatedAt = s.UpdatedAt.Int64()
	}
	return record, nil
}

// LendGetPair loads the pair state. A missing record reports nil without
// error so the engine can distinguish an uninitialised pair.
func (m *Manager) LendGetPair() (*lend.PairState, error) {
	data, ok, err := m.load(ethcrypto.Keccak256(lendPairKeyBytes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	stored := new(storedPairState)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("lend: decode pair state: %w", err)
	}
	return stored.toPairState()
}

// LendPutPair persists the pair state.
func (m *Manager) LendPutPair(pair *lend.PairState) error {
	if pair == nil {
		return fmt.Errorf("lend: nil pair state")
	}
	return m.store(ethcrypto.Keccak256(lendPairKeyBytes), newStoredPairState(pair))
}

// LendGetPosition loads the position stored for the address. Accounts that
// never interacted with the pair report nil without error.
func (m *Manager) LendGetPosition(addr crypto.Address) (*lend.UserPosition, error) {
	data, ok, err := m.load(lendPositionKey(addr.Bytes()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	stored := new(storedUserPosition)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("lend: decode position: %w", err)
	}
	return stored.toUserPosition()
}

// LendPutPosition persists a user position keyed by its address and keeps the
// position index current so exports can enumerate accounts.
func (m *Manager) LendPutPosition(position *lend.UserPosition) error {
	if position == nil {
		return fmt.Errorf("lend: nil position")
	}
	if position.Address.IsZero() {
		return fmt.Errorf("lend: position requires an address")
	}
	if err := m.indexPositionAddress(position.Address); err != nil {
		return err
	}
	return m.store(lendPositionKey(position.Address.Bytes()), newStoredUserPosition(position))
}

func (m *Manager) loadPositionIndex() ([][]byte, error) {
	data, ok, err := m.load(ethcrypto.Keccak256(lendPositionIndexKeyBytes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	var addrs [][]byte
	if err := rlp.DecodeBytes(data, &addrs); err != nil {
		return nil, fmt.Errorf("lend: decode position index: %w", err)
	}
	return addrs, nil
}

func (m *Manager) indexPositionAddress(addr crypto.Address) error {
	addrs, err := m.loadPositionIndex()
	if err != nil {
		return err
	}
	raw := addr.Bytes()
	for _, existing := range addrs {
		if string(existing) == string(raw) {
			return nil
		}
	}
	addrs = append(addrs, append([]byte(nil), raw...))
	sort.Slice(addrs, func(i, j int) bool {
		return hex.EncodeToString(addrs[i]) < hex.EncodeToString(addrs[j])
	})
	return m.store(ethcrypto.Keccak256(lendPositionIndexKeyBytes), addrs)
}

// LendPositionAddresses returns every address that has ever held a position,
// in sorted order.
func (m *Manager) LendPositionAddresses() ([]crypto.Address, error) {
	addrs, err := m.loadPositionIndex()
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(addrs))
	for _, raw := range addrs {
		if len(raw) != 20 {
			return nil, fmt.Errorf("lend: malformed position index entry")
		}
		out = append(out, crypto.MustNewAddress(append([]byte(nil), raw...)))
	}
	return out, nil
}

// LendGetFees loads the accumulated protocol fees. A missing record reports
// nil without error.
func (m *Manager) LendGetFees() (*lend.FeeAccrual, error) {
	data, ok, err := m.load(ethcrypto.Keccak256(lendFeesKeyBytes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	stored := new(storedFeeAccrual)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("lend: decode fees: %w", err)
	}
	return &lend.FeeAccrual{CollateralFees: cloneBigInt(stored.CollateralFees)}, nil
}

// LendPutFees persists the accumulated protocol fees.
func (m *Manager) LendPutFees(fees *lend.FeeAccrual) error {
	if fees == nil {
		return fmt.Errorf("lend: nil fee accrual")
	}
	return m.store(ethcrypto.Keccak256(lendFeesKeyBytes), &storedFeeAccrual{CollateralFees: cloneBigInt(fees.CollateralFees)})
}

// LendLastPrice loads the last accepted oracle reading. The boolean reports
// whether a reading has ever been accepted.
func (m *Manager) LendLastPrice() (*lend.PriceRecord, bool, error) {
	data, ok, err := m.load(ethcrypto.Keccak256(lendPriceKeyBytes))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	stored := new(storedPriceRecord)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("lend: decode price record: %w", err)
	}
	record, err := stored.toPriceRecord()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// LendPutPrice persists the accepted oracle reading used as the next
// deviation anchor.
func (m *Manager) LendPutPrice(record *lend.PriceRecord) error {
	stored, err := newStoredPriceRecord(record)
	if err != nil {
		return err
	}
	return m.store(ethcrypto.Keccak256(lendPriceKeyBytes), stored)
}
