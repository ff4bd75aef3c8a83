package audit

import (
	"math/big"
	"os"
	"testing"
	"time"

	"taolend/crypto"
	"taolend/native/lend"
)

type fakeSource struct {
	accounting *lend.PairAccounting
	snapshots  map[string]*lend.UserSnapshot
}

func (f *fakeSource) PairAccounting(bool) (*lend.PairAccounting, error) {
	return f.accounting, nil
}

func (f *fakeSource) UserSnapshot(addr crypto.Address) (*lend.UserSnapshot, error) {
	return f.snapshots[string(addr.Bytes())], nil
}

type fakeLister struct {
	addrs []crypto.Address
}

func (f *fakeLister) LendPositionAddresses() ([]crypto.Address, error) {
	return f.addrs, nil
}

func auditAddress(fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(raw)
}

func TestExportWritesRunFiles(t *testing.T) {
	dir := t.TempDir()
	alice := auditAddress(0x11)
	source := &fakeSource{
		accounting: &lend.PairAccounting{
			TotalAsset:         &lend.VaultAccount{Amount: big.NewInt(1100), Shares: big.NewInt(1000)},
			TotalBorrow:        &lend.VaultAccount{Amount: big.NewInt(400), Shares: big.NewInt(380)},
			TotalCollateral:    big.NewInt(900),
			AvailableLiquidity: big.NewInt(700),
			CurrentRate:        big.NewInt(317097919),
			LastAccrual:        1_700_000_000,
			ProtocolFees:       big.NewInt(12),
		},
		snapshots: map[string]*lend.UserSnapshot{
			string(alice.Bytes()): {
				Address:      alice,
				SupplyShares: big.NewInt(1000),
				SupplyAmount: big.NewInt(1100),
				BorrowShares: big.NewInt(380),
				BorrowAmount: big.NewInt(400),
				Collateral:   big.NewInt(900),
				LTVBps:       big.NewInt(4445),
			},
		},
	}
	exporter := NewExporter(dir, source, &fakeLister{addrs: []crypto.Address{alice}}, nil, nil)
	exporter.SetClock(func() time.Time { return time.Unix(1_700_000_100, 0).UTC() })

	run, err := exporter.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if run.PositionRows != 1 {
		t.Fatalf("expected 1 position row, got %d", run.PositionRows)
	}
	if run.ID == "" {
		t.Fatalf("expected run id")
	}
	for _, path := range []string{run.PairFile, run.PositionsFile} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if info.Size() == 0 {
			t.Fatalf("expected non-empty parquet file at %s", path)
		}
	}
}

func TestExportRequiresConfiguration(t *testing.T) {
	exporter := NewExporter(t.TempDir(), nil, nil, nil, nil)
	if _, err := exporter.Export(); err == nil {
		t.Fatalf("expected error for unconfigured exporter")
	}
}
