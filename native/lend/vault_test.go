package lend

import (
	"math/big"
	"testing"
)

func TestToSharesBootstrap(t *testing.T) {
	vault := NewVaultAccount()
	if got := vault.ToShares(big.NewInt(1_000), false); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected one-to-one bootstrap, got %s", got)
	}
	// A donated balance with no shares outstanding still quotes one-to-one.
	donated := &VaultAccount{Amount: big.NewInt(500), Shares: big.NewInt(0)}
	if got := donated.ToShares(big.NewInt(100), false); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected one-to-one with zero shares, got %s", got)
	}
	if got := vault.ToShares(nil, false); got.Sign() != 0 {
		t.Fatalf("expected zero for nil amount, got %s", got)
	}
}

func TestConversionRounding(t *testing.T) {
	vault := &VaultAccount{Amount: big.NewInt(1_100), Shares: big.NewInt(1_000)}

	if got := vault.ToShares(big.NewInt(550), false); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected shares: got %s want 500", got)
	}
	if got := vault.ToAmount(big.NewInt(500), false); got.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("unexpected amount: got %s want 550", got)
	}

	// 100 asset is 90.9 shares: down favours the vault on mint quotes for
	// redeems, up favours it on burn quotes for withdrawals.
	if got := vault.ToShares(big.NewInt(100), false); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("unexpected rounded down shares: %s", got)
	}
	if got := vault.ToShares(big.NewInt(100), true); got.Cmp(big.NewInt(91)) != 0 {
		t.Fatalf("unexpected rounded up shares: %s", got)
	}
	if got := vault.ToAmount(big.NewInt(91), false); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected rounded down amount: %s", got)
	}
	if got := vault.ToAmount(big.NewInt(91), true); got.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("unexpected rounded up amount: %s", got)
	}
}

func TestRoundTripNeverFavoursCaller(t *testing.T) {
	vault := &VaultAccount{Amount: big.NewInt(3_337), Shares: big.NewInt(1_009)}
	for _, amount := range []int64{1, 7, 99, 555, 3_336} {
		in := big.NewInt(amount)
		shares := vault.ToShares(in, false)
		out := vault.ToAmount(shares, false)
		if out.Cmp(in) > 0 {
			t.Fatalf("deposit round trip paid out %s for %s", out, in)
		}
		owedShares := vault.ToShares(in, true)
		owed := vault.ToAmount(owedShares, true)
		if owed.Cmp(in) < 0 {
			t.Fatalf("debt round trip forgave %s of %s", new(big.Int).Sub(in, owed), in)
		}
	}
}

func TestToAmountEmptyVault(t *testing.T) {
	vault := NewVaultAccount()
	if got := vault.ToAmount(big.NewInt(50), true); got.Sign() != 0 {
		t.Fatalf("expected zero redemption from empty vault, got %s", got)
	}
}

func TestCreditDebitClamp(t *testing.T) {
	vault := NewVaultAccount()
	vault.Credit(big.NewInt(100), big.NewInt(100))
	vault.Credit(big.NewInt(50), big.NewInt(40))
	if vault.Amount.Cmp(big.NewInt(150)) != 0 || vault.Shares.Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("unexpected vault after credit: amount=%s shares=%s", vault.Amount, vault.Shares)
	}
	vault.Debit(big.NewInt(200), big.NewInt(140))
	if vault.Amount.Sign() != 0 || vault.Shares.Sign() != 0 {
		t.Fatalf("expected debit to clamp at zero: amount=%s shares=%s", vault.Amount, vault.Shares)
	}
}

func TestMulDivRounding(t *testing.T) {
	if got := mulDivDown(big.NewInt(7), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected floor: %s", got)
	}
	if got := mulDivUp(big.NewInt(7), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("unexpected ceil: %s", got)
	}
	if got := mulDivUp(big.NewInt(6), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("expected exact division unchanged, got %s", got)
	}
	if got := mulDivDown(big.NewInt(7), big.NewInt(3), nil); got.Sign() != 0 {
		t.Fatalf("expected zero for nil denominator, got %s", got)
	}
}

func TestBpsShare(t *testing.T) {
	if got := bpsShare(big.NewInt(84), 1_000); got.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected share: %s", got)
	}
	if got := bpsShare(big.NewInt(84), 0); got.Sign() != 0 {
		t.Fatalf("expected zero share, got %s", got)
	}
}

func TestRatMulInt(t *testing.T) {
	rate := big.NewRat(105, 100)
	if got := ratMulInt(rate, big.NewInt(80), false); got.Cmp(big.NewInt(84)) != 0 {
		t.Fatalf("unexpected product: %s", got)
	}
	if got := ratMulInt(rate, big.NewInt(81), false); got.Cmp(big.NewInt(85)) != 0 {
		t.Fatalf("unexpected floored product: %s", got)
	}
	if got := ratMulInt(rate, big.NewInt(81), true); got.Cmp(big.NewInt(86)) != 0 {
		t.Fatalf("unexpected ceiled product: %s", got)
	}
	if got := ratMulInt(nil, big.NewInt(81), true); got.Sign() != 0 {
		t.Fatalf("expected zero for nil rate, got %s", got)
	}
}
