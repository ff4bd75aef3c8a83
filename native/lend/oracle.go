package lend

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PriceProofDomainV1 defines the domain separator used when signing price proofs.
const PriceProofDomainV1 = "TAO_LEND_PRICE_V1"

var (
	ErrPriceProofNil              = errors.New("lend: price proof required")
	ErrPriceProofDomain           = errors.New("lend: price proof domain invalid")
	ErrPriceProofPair             = errors.New("lend: price proof pair invalid")
	ErrPriceProofProviderMismatch = errors.New("lend: price proof provider mismatch")
	ErrPriceProofSignerUnknown    = errors.New("lend: price proof signer unknown")
	ErrPriceProofSignatureInvalid = errors.New("lend: price proof signature invalid")
	ErrPriceProofStale            = errors.New("lend: price proof stale")
)

// PriceQuote captures an exchange rate for a specific currency pair along with
// the timestamp reported by the upstream oracle and the oracle identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves an exchange rate for the provided base/quote currency
// pair. For the lending pair the base is the asset token and the quote is the
// collateral token, so the rate reads as collateral units per asset unit. Any
// error fails the caller closed.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ManualOracle serves rates recorded by an operator or test harness.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

func manualKey(base, quote string) string {
	return normaliseSymbol(base) + "_" + normaliseSymbol(quote)
}

// SetDecimal records the supplied decimal rate for the currency pair using the
// provided timestamp.
func (m *ManualOracle) SetDecimal(base, quote, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual oracle: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual oracle: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual oracle: rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Set stores the provided rational rate for the currency pair.
func (m *ManualOracle) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotes == nil {
		m.quotes = make(map[string]PriceQuote)
	}
	m.quotes[manualKey(base, quote)] = PriceQuote{
		Rate:      new(big.Rat).Set(rate),
		Timestamp: ts.UTC(),
		Source:    "manual",
	}
}

// GetRate returns the stored quote for the pair or fails when none exists.
func (m *ManualOracle) GetRate(base, quote string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.quotes[manualKey(base, quote)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual oracle: no quote for %s/%s", normaliseSymbol(base), normaliseSymbol(quote))
	}
	return stored.Clone(), nil
}

// PriceProof captures the signed oracle payload supplied by off-chain feeders.
type PriceProof struct {
	Domain    string
	Provider  string
	Base      string
	Quote     string
	Rate      *big.Rat
	Timestamp time.Time
	Signature []byte
}

// NewPriceProof constructs a price proof instance from the raw submission payload.
func NewPriceProof(domain, provider, pair, rate string, ts int64, signature []byte) (*PriceProof, error) {
	trimmedDomain := strings.TrimSpace(domain)
	if trimmedDomain == "" {
		return nil, fmt.Errorf("price proof: domain required")
	}
	trimmedProvider := strings.TrimSpace(provider)
	if trimmedProvider == "" {
		return nil, fmt.Errorf("price proof: provider required")
	}
	trimmedPair := strings.TrimSpace(pair)
	if trimmedPair == "" {
		return nil, fmt.Errorf("price proof: pair required")
	}
	parts := strings.Split(trimmedPair, "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("price proof: invalid pair %q", pair)
	}
	base := strings.TrimSpace(parts[0])
	quote := strings.TrimSpace(parts[1])
	if base == "" || quote == "" {
		return nil, fmt.Errorf("price proof: invalid pair %q", pair)
	}
	trimmedRate := strings.TrimSpace(rate)
	if trimmedRate == "" {
		return nil, fmt.Errorf("price proof: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmedRate)
	if !ok {
		return nil, fmt.Errorf("price proof: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("price proof: rate must be positive")
	}
	if ts <= 0 {
		return nil, fmt.Errorf("price proof: timestamp required")
	}
	proof := &PriceProof{
		Domain:    trimmedDomain,
		Provider:  trimmedProvider,
		Base:      base,
		Quote:     quote,
		Rate:      rat,
		Timestamp: time.Unix(ts, 0).UTC(),
	}
	if len(signature) > 0 {
		proof.Signature = append([]byte(nil), signature...)
	}
	return proof, nil
}

// CanonicalMessage renders the canonical message used for signature verification.
func (p *PriceProof) CanonicalMessage() (string, error) {
	if p == nil {
		return "", fmt.Errorf("price proof not initialised")
	}
	domain := strings.TrimSpace(p.Domain)
	if domain == "" {
		return "", fmt.Errorf("price proof: domain required")
	}
	provider := strings.ToLower(strings.TrimSpace(p.Provider))
	if provider == "" {
		return "", fmt.Errorf("price proof: provider required")
	}
	base := normaliseSymbol(p.Base)
	quote := normaliseSymbol(p.Quote)
	if base == "" || quote == "" {
		return "", fmt.Errorf("price proof: pair required")
	}
	rateStr := ""
	if p.Rate != nil {
		rateStr = p.Rate.FloatString(18)
	}
	if strings.TrimSpace(rateStr) == "" {
		return "", fmt.Errorf("price proof: rate required")
	}
	if p.Timestamp.IsZero() {
		return "", fmt.Errorf("price proof: timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(strings.ToUpper(domain))
	builder.WriteString("|provider=")
	builder.WriteString(provider)
	builder.WriteString("|pair=")
	builder.WriteString(base)
	builder.WriteString("/")
	builder.WriteString(quote)
	builder.WriteString("|rate=")
	builder.WriteString(rateStr)
	builder.WriteString("|ts=")
	builder.WriteString(fmt.Sprintf("%d", p.Timestamp.UTC().Unix()))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (p *PriceProof) Hash() ([]byte, error) {
	message, err := p.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	digest := ethcrypto.Keccak256([]byte(message))
	return digest, nil
}

// ID returns the hexadecimal representation of the canonical message digest.
func (p *PriceProof) ID() (string, error) {
	hash, err := p.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// SignedOracle serves quotes assembled from signed feeder submissions. Each
// submission is authenticated against the signer registered for its provider
// before it replaces the pair's current quote.
type SignedOracle struct {
	mu              sync.RWMutex
	signers         map[string][20]byte
	quotes          map[string]PriceQuote
	futureTolerance time.Duration
	now             func() time.Time
}

// NewSignedOracle constructs an oracle with no registered signers.
func NewSignedOracle() *SignedOracle {
	return &SignedOracle{
		signers:         make(map[string][20]byte),
		quotes:          make(map[string]PriceQuote),
		futureTolerance: 30 * time.Second,
	}
}

// SetClock overrides the oracle clock, primarily for deterministic testing.
func (o *SignedOracle) SetClock(now func() time.Time) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

// RegisterSigner authorises a provider's signing address.
func (o *SignedOracle) RegisterSigner(provider string, signer [20]byte) {
	if o == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(provider))
	if key == "" {
		return
	}
	o.mu.Lock()
	if o.signers == nil {
		o.signers = make(map[string][20]byte)
	}
	o.signers[key] = signer
	o.mu.Unlock()
}

// Submit verifies the proof and, when authentic, records its rate as the
// current quote for the pair.
func (o *SignedOracle) Submit(proof *PriceProof) error {
	if o == nil {
		return fmt.Errorf("signed oracle not configured")
	}
	if proof == nil {
		return ErrPriceProofNil
	}
	if !strings.EqualFold(strings.TrimSpace(proof.Domain), PriceProofDomainV1) {
		return ErrPriceProofDomain
	}
	provider := strings.ToLower(strings.TrimSpace(proof.Provider))
	if provider == "" {
		return ErrPriceProofProviderMismatch
	}
	base := normaliseSymbol(proof.Base)
	quote := normaliseSymbol(proof.Quote)
	if base == "" || quote == "" {
		return ErrPriceProofPair
	}
	o.mu.RLock()
	signer, ok := o.signers[provider]
	now := time.Now()
	if o.now != nil {
		now = o.now()
	}
	tolerance := o.futureTolerance
	o.mu.RUnlock()
	if !ok {
		return ErrPriceProofSignerUnknown
	}
	hash, err := proof.Hash()
	if err != nil {
		return err
	}
	if len(proof.Signature) != 65 {
		return ErrPriceProofSignatureInvalid
	}
	pubKey, err := ethcrypto.SigToPub(hash, proof.Signature)
	if err != nil {
		return ErrPriceProofSignatureInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(signer[:]) {
		return ErrPriceProofSignatureInvalid
	}
	if proof.Timestamp.IsZero() {
		return fmt.Errorf("price proof: timestamp required")
	}
	if tolerance > 0 && proof.Timestamp.After(now.Add(tolerance)) {
		return ErrPriceProofStale
	}
	o.mu.Lock()
	if o.quotes == nil {
		o.quotes = make(map[string]PriceQuote)
	}
	o.quotes[manualKey(base, quote)] = PriceQuote{
		Rate:      new(big.Rat).Set(proof.Rate),
		Timestamp: proof.Timestamp,
		Source:    provider,
	}
	o.mu.Unlock()
	return nil
}

// GetRate returns the latest verified quote for the pair or fails closed when
// none has been submitted.
func (o *SignedOracle) GetRate(base, quote string) (PriceQuote, error) {
	if o == nil {
		return PriceQuote{}, fmt.Errorf("signed oracle not configured")
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	stored, ok := o.quotes[manualKey(base, quote)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("signed oracle: no quote for %s/%s", normaliseSymbol(base), normaliseSymbol(quote))
	}
	return stored.Clone(), nil
}
