// Package audit materialises point-in-time ledger exports for offline
// reconciliation. Each run snapshots the pair accounting and every known
// position into parquet files stamped with a run ID and the journal
// checkpoint the snapshot was taken at.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"taolend/crypto"
	"taolend/journal"
	"taolend/native/lend"
)

// Source is the read-only engine surface the exporter snapshots from.
type Source interface {
	PairAccounting(previewInterest bool) (*lend.PairAccounting, error)
	UserSnapshot(addr crypto.Address) (*lend.UserSnapshot, error)
}

// PositionLister enumerates every address that ever held a position.
type PositionLister interface {
	LendPositionAddresses() ([]crypto.Address, error)
}

// Exporter writes ledger snapshots under a base directory. It holds no state
// between runs beyond the directory path.
type Exporter struct {
	dir       string
	engine    Source
	positions PositionLister
	journal   *journal.Journal
	logger    *slog.Logger
	now       func() time.Time
}

// Run reports where one export landed and the journal checkpoint it covers.
type Run struct {
	ID              string `json:"id"`
	Dir             string `json:"dir"`
	PairFile        string `json:"pairFile"`
	PositionsFile   string `json:"positionsFile"`
	PositionRows    int    `json:"positionRows"`
	JournalSequence uint64 `json:"journalSequence"`
	JournalDigest   string `json:"journalDigest"`
	ExportedAt      string `json:"exportedAt"`
}

// NewExporter wires an exporter to its sources. The journal is optional; a
// nil journal leaves the checkpoint columns empty.
func NewExporter(dir string, engine Source, positions PositionLister, jnl *journal.Journal, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		dir:       dir,
		engine:    engine,
		positions: positions,
		journal:   jnl,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock, used by tests for stable file names.
func (e *Exporter) SetClock(now func() time.Time) {
	if e != nil && now != nil {
		e.now = now
	}
}

// Export snapshots the pair and every position into a fresh run directory.
func (e *Exporter) Export() (*Run, error) {
	if e == nil || e.engine == nil || e.positions == nil {
		return nil, fmt.Errorf("audit: exporter not configured")
	}
	exportedAt := e.now()
	runID := uuid.New()

	acct, err := e.engine.PairAccounting(true)
	if err != nil {
		return nil, fmt.Errorf("audit: snapshot pair: %w", err)
	}
	addresses, err := e.positions.LendPositionAddresses()
	if err != nil {
		return nil, fmt.Errorf("audit: list positions: %w", err)
	}

	var checkpointSeq uint64
	checkpointDigest := ""
	if e.journal != nil {
		latest, ok, err := e.journal.Latest()
		if err != nil {
			return nil, fmt.Errorf("audit: journal checkpoint: %w", err)
		}
		if ok {
			checkpointSeq = latest.Sequence
			checkpointDigest = latest.Digest
		}
	}

	runDir := filepath.Join(e.dir, fmt.Sprintf("%s_%s", exportedAt.Format("20060102T150405Z"), shortID(runID)))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create run dir: %w", err)
	}

	stamp := exportedAt.Format(time.RFC3339)
	pairPath := filepath.Join(runDir, "pair.parquet")
	pairRow := &pairRow{
		RunID:              runID.String(),
		ExportedAt:         stamp,
		TotalAssetAmount:   bigString(acct.TotalAsset.Amount),
		TotalAssetShares:   bigString(acct.TotalAsset.Shares),
		TotalBorrowAmount:  bigString(acct.TotalBorrow.Amount),
		TotalBorrowShares:  bigString(acct.TotalBorrow.Shares),
		TotalCollateral:    bigString(acct.TotalCollateral),
		AvailableLiquidity: bigString(acct.AvailableLiquidity),
		CurrentRate:        bigString(acct.CurrentRate),
		LastAccrual:        int64(acct.LastAccrual),
		ProtocolFees:       bigString(acct.ProtocolFees),
		RepayPaused:        acct.Access.Repay.Paused,
		WithdrawPaused:     acct.Access.Withdraw.Paused,
		LiquidatePaused:    acct.Access.Liquidate.Paused,
		InterestPaused:     acct.Access.Interest.Paused,
		RepayRevoked:       acct.Access.Repay.Revoked,
		WithdrawRevoked:    acct.Access.Withdraw.Revoked,
		LiquidateRevoked:   acct.Access.Liquidate.Revoked,
		InterestRevoked:    acct.Access.Interest.Revoked,
		JournalSequence:    int64(checkpointSeq),
		JournalDigest:      checkpointDigest,
	}
	if err := writePairParquet(pairPath, pairRow); err != nil {
		return nil, err
	}

	positionRows := make([]*positionRow, 0, len(addresses))
	for _, addr := range addresses {
		snapshot, err := e.engine.UserSnapshot(addr)
		if err != nil {
			return nil, fmt.Errorf("audit: snapshot position %s: %w", addr.String(), err)
		}
		row := &positionRow{
			RunID:        runID.String(),
			ExportedAt:   stamp,
			Address:      snapshot.Address.String(),
			SupplyShares: bigString(snapshot.SupplyShares),
			SupplyAmount: bigString(snapshot.SupplyAmount),
			BorrowShares: bigString(snapshot.BorrowShares),
			BorrowAmount: bigString(snapshot.BorrowAmount),
			Collateral:   bigString(snapshot.Collateral),
		}
		if snapshot.LTVBps != nil {
			row.LTVBps = snapshot.LTVBps.String()
		}
		positionRows = append(positionRows, row)
	}
	positionsPath := filepath.Join(runDir, "positions.parquet")
	if err := writePositionsParquet(positionsPath, positionRows); err != nil {
		return nil, err
	}

	e.logger.Info("audit: export complete",
		slog.String("run", runID.String()),
		slog.String("dir", runDir),
		slog.Int("positions", len(positionRows)))

	return &Run{
		ID:              runID.String(),
		Dir:             runDir,
		PairFile:        pairPath,
		PositionsFile:   positionsPath,
		PositionRows:    len(positionRows),
		JournalSequence: checkpointSeq,
		JournalDigest:   checkpointDigest,
		ExportedAt:      stamp,
	}, nil
}

// RunEvery exports on a fixed interval until ctx is cancelled. Failed runs
// are logged and retried on the next tick.
func (e *Exporter) RunEvery(ctx context.Context, every time.Duration) {
	if e == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Export(); err != nil {
				e.logger.Error("audit: scheduled export failed", slog.String("error", err.Error()))
			}
		}
	}
}

type pairRow struct {
	RunID              string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExportedAt         string `parquet:"name=exported_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalAssetAmount   string `parquet:"name=total_asset_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalAssetShares   string `parquet:"name=total_asset_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalBorrowAmount  string `parquet:"name=total_borrow_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalBorrowShares  string `parquet:"name=total_borrow_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalCollateral    string `parquet:"name=total_collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	AvailableLiquidity string `parquet:"name=available_liquidity, type=BYTE_ARRAY, convertedtype=UTF8"`
	CurrentRate        string `parquet:"name=current_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastAccrual        int64  `parquet:"name=last_accrual, type=INT64"`
	ProtocolFees       string `parquet:"name=protocol_fees, type=BYTE_ARRAY, convertedtype=UTF8"`
	RepayPaused        bool   `parquet:"name=repay_paused, type=BOOLEAN"`
	WithdrawPaused     bool   `parquet:"name=withdraw_paused, type=BOOLEAN"`
	LiquidatePaused    bool   `parquet:"name=liquidate_paused, type=BOOLEAN"`
	InterestPaused     bool   `parquet:"name=interest_paused, type=BOOLEAN"`
	RepayRevoked       bool   `parquet:"name=repay_revoked, type=BOOLEAN"`
	WithdrawRevoked    bool   `parquet:"name=withdraw_revoked, type=BOOLEAN"`
	LiquidateRevoked   bool   `parquet:"name=liquidate_revoked, type=BOOLEAN"`
	InterestRevoked    bool   `parquet:"name=interest_revoked, type=BOOLEAN"`
	JournalSequence    int64  `parquet:"name=journal_sequence, type=INT64"`
	JournalDigest      string `parquet:"name=journal_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type positionRow struct {
	RunID        string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExportedAt   string `parquet:"name=exported_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address      string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	SupplyShares string `parquet:"name=supply_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	SupplyAmount string `parquet:"name=supply_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowShares string `parquet:"name=borrow_shares, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowAmount string `parquet:"name=borrow_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral   string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	LTVBps       string `parquet:"name=ltv_bps, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writePairParquet(path string, row *pairRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(pairRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	if err := pw.Write(row); err != nil {
		pw.WriteStop()
		file.Close()
		return fmt.Errorf("audit: parquet write: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func writePositionsParquet(path string, rows []*positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(positionRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
