package lend

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestManualOracleQuotes(t *testing.T) {
	manual := NewManualOracle()
	now := time.Now().UTC()
	if err := manual.SetDecimal("TAO", "USDT", "0.75", now); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	quote, err := manual.GetRate("tao", "usdt")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate == nil || quote.Rate.FloatString(2) != "0.75" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
	if !quote.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", quote.Timestamp)
	}
	if _, err := manual.GetRate("TAO", "BTC"); err == nil {
		t.Fatalf("expected missing pair to fail closed")
	}
}

func signProof(t *testing.T, proof *PriceProof, priv *ecdsa.PrivateKey) {
	t.Helper()
	hash, err := proof.Hash()
	if err != nil {
		t.Fatalf("hash proof: %v", err)
	}
	sig, err := ethcrypto.Sign(hash, priv)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	proof.Signature = sig
}

func signerAddress(priv *ecdsa.PrivateKey) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.PubkeyToAddress(priv.PublicKey).Bytes())
	return out
}

func TestPriceProofCanonicalMessage(t *testing.T) {
	proof, err := NewPriceProof(PriceProofDomainV1, "Feeder", "tao/usdt", "1.05", 1_700_000_000, nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	message, err := proof.CanonicalMessage()
	if err != nil {
		t.Fatalf("canonical message: %v", err)
	}
	expected := fmt.Sprintf("%s|provider=feeder|pair=TAO/USDT|rate=%s|ts=1700000000", PriceProofDomainV1, proof.Rate.FloatString(18))
	if message != expected {
		t.Fatalf("unexpected message:\n got %s\nwant %s", message, expected)
	}
}

func TestSignedOracleVerifiesSubmissions(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	oracle := NewSignedOracle()
	oracle.SetClock(func() time.Time { return now })
	oracle.RegisterSigner("feeder", signerAddress(priv))

	proof, err := NewPriceProof(PriceProofDomainV1, "feeder", "TAO/USDT", "1.05", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	if err := oracle.Submit(proof); err != nil {
		t.Fatalf("submit: %v", err)
	}

	quote, err := oracle.GetRate("TAO", "USDT")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate.FloatString(2) != "1.05" || quote.Source != "feeder" {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if _, err := oracle.GetRate("TAO", "BTC"); err == nil {
		t.Fatalf("expected unsubmitted pair to fail closed")
	}
}

func TestSignedOracleRejectsBadSubmissions(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	oracle := NewSignedOracle()
	oracle.SetClock(func() time.Time { return now })
	oracle.RegisterSigner("feeder", signerAddress(priv))

	// Wrong domain.
	proof, err := NewPriceProof("OTHER_DOMAIN", "feeder", "TAO/USDT", "1.0", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofDomain) {
		t.Fatalf("expected domain rejection, got %v", err)
	}

	// Unregistered provider.
	proof, err = NewPriceProof(PriceProofDomainV1, "unknown", "TAO/USDT", "1.0", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofSignerUnknown) {
		t.Fatalf("expected unknown signer, got %v", err)
	}

	// Signed by a key other than the registered one.
	proof, err = NewPriceProof(PriceProofDomainV1, "feeder", "TAO/USDT", "1.0", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, other)
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofSignatureInvalid) {
		t.Fatalf("expected signature rejection, got %v", err)
	}

	// Tampering after signing breaks recovery.
	proof, err = NewPriceProof(PriceProofDomainV1, "feeder", "TAO/USDT", "1.0", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	proof.Rate.SetString("9.0")
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofSignatureInvalid) {
		t.Fatalf("expected tamper rejection, got %v", err)
	}

	// Truncated signature.
	proof, err = NewPriceProof(PriceProofDomainV1, "feeder", "TAO/USDT", "1.0", now.Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	proof.Signature = proof.Signature[:32]
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofSignatureInvalid) {
		t.Fatalf("expected short signature rejected, got %v", err)
	}

	// Timestamps too far in the future are refused.
	proof, err = NewPriceProof(PriceProofDomainV1, "feeder", "TAO/USDT", "1.0", now.Add(2*time.Minute).Unix(), nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	signProof(t, proof, priv)
	if err := oracle.Submit(proof); !errors.Is(err, ErrPriceProofStale) {
		t.Fatalf("expected future timestamp rejected, got %v", err)
	}
}
