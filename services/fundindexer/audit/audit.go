package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"fundvault/services/fundindexer"
)

// Anomaly types emitted by the auditor.
const (
	AnomalySequenceGap  = "sequence_gap"
	AnomalyBelowMinimum = "below_minimum"
	AnomalyBadAmount    = "unparsable_amount"
)

// Ledger exposes the indexed event windows the auditor reads.
type Ledger interface {
	ContributionsBetween(ctx context.Context, start, end time.Time) ([]fundindexer.Contribution, error)
	WithdrawalsBetween(ctx context.Context, start, end time.Time) ([]fundindexer.Withdrawal, error)
	OracleRotationsBetween(ctx context.Context, start, end time.Time) ([]fundindexer.OracleRotation, error)
}

// Config captures the dependencies required to construct an Auditor.
type Config struct {
	Ledger     Ledger
	OutputDir  string
	DryRun     bool
	MinimumUSD *big.Int
	Now        func() time.Time
	Logger     *slog.Logger
}

// RunOptions specifies the window for a single audit run. A zero End means
// now; a zero Start means 24 hours before End.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Auditor materialises deterministic exports of the contribution ledger.
type Auditor struct {
	ledger    Ledger
	outputDir string
	dryRun    bool
	minimum   *big.Int
	now       func() time.Time
	logger    *slog.Logger
}

// Anomaly captures a ledger irregularity requiring operator review.
type Anomaly struct {
	Type     string
	Sequence uint64
	Details  string
}

// Totals aggregates the window. Amounts are 18-decimal base-unit strings
// summed as integers; Funders counts distinct contributing addresses.
type Totals struct {
	Contributed *big.Int
	USDValue    *big.Int
	Withdrawn   *big.Int
	Funders     int
}

// ReportFile references the CSV and Parquet artefacts generated for one table.
type ReportFile struct {
	Kind        string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises an audit run.
type Result struct {
	RunID         uuid.UUID
	Start         time.Time
	End           time.Time
	Contributions []fundindexer.Contribution
	Withdrawals   []fundindexer.Withdrawal
	Rotations     []fundindexer.OracleRotation
	Totals        Totals
	Anomalies     []Anomaly
	Files         []ReportFile
}

// New builds a configured auditor.
func New(cfg Config) (*Auditor, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("audit: ledger is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("fundvault-data", "audit")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		minimum:   cfg.MinimumUSD,
		now:       nowFn,
		logger:    logger,
	}, nil
}

// Run audits the supplied window and, unless dry-running, writes the export
// artefacts under OutputDir.
func (a *Auditor) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	end := opts.End.UTC()
	if opts.End.IsZero() {
		end = a.now().UTC()
	}
	start := opts.Start.UTC()
	if opts.Start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("audit: end before start")
	}
	dryRun := a.dryRun || opts.DryRun

	contributions, err := a.ledger.ContributionsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: load contributions: %w", err)
	}
	withdrawals, err := a.ledger.WithdrawalsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: load withdrawals: %w", err)
	}
	rotations, err := a.ledger.OracleRotationsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: load oracle rotations: %w", err)
	}

	totals := Totals{
		Contributed: new(big.Int),
		USDValue:    new(big.Int),
		Withdrawn:   new(big.Int),
	}
	anomalies := make([]Anomaly, 0)
	funders := make(map[string]bool)
	rows := make([]contributionRow, 0, len(contributions))

	for _, c := range contributions {
		funders[c.Funder] = true
		row := contributionRow{Contribution: c}
		if amount, ok := parseBig(c.Amount); ok {
			totals.Contributed.Add(totals.Contributed, amount)
		} else {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyBadAmount,
				Sequence: c.Sequence,
				Details:  fmt.Sprintf("contribution amount %q is not a base-10 integer", c.Amount),
			})
		}
		usd, ok := parseBig(c.USDValue)
		if !ok {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyBadAmount,
				Sequence: c.Sequence,
				Details:  fmt.Sprintf("contribution USD value %q is not a base-10 integer", c.USDValue),
			})
		} else {
			totals.USDValue.Add(totals.USDValue, usd)
			if a.minimum != nil && a.minimum.Sign() > 0 && usd.Cmp(a.minimum) < 0 {
				row.BelowMinimum = true
				anomalies = append(anomalies, Anomaly{
					Type:     AnomalyBelowMinimum,
					Sequence: c.Sequence,
					Details:  fmt.Sprintf("contribution from %s valued %s under minimum %s", c.Funder, c.USDValue, a.minimum),
				})
			}
		}
		rows = append(rows, row)
	}
	totals.Funders = len(funders)

	for _, w := range withdrawals {
		if amount, ok := parseBig(w.Amount); ok {
			totals.Withdrawn.Add(totals.Withdrawn, amount)
		} else {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyBadAmount,
				Sequence: w.Sequence,
				Details:  fmt.Sprintf("withdrawal amount %q is not a base-10 integer", w.Amount),
			})
		}
	}

	anomalies = append(anomalies, sequenceGaps(contributions, withdrawals, rotations)...)

	files := make([]ReportFile, 0, 2)
	if !dryRun {
		runDir := filepath.Join(a.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: ensure output dir: %w", err)
		}
		if len(rows) > 0 {
			file, err := a.writeContributionReports(runDir, rows)
			if err != nil {
				return nil, err
			}
			files = append(files, file)
		}
		if len(withdrawals) > 0 {
			file, err := a.writeWithdrawalReports(runDir, withdrawals)
			if err != nil {
				return nil, err
			}
			files = append(files, file)
		}
	}

	return &Result{
		RunID:         uuid.New(),
		Start:         start,
		End:           end,
		Contributions: contributions,
		Withdrawals:   withdrawals,
		Rotations:     rotations,
		Totals:        totals,
		Anomalies:     anomalies,
		Files:         files,
	}, nil
}

// contributionRow pairs an indexed contribution with its audit flags.
type contributionRow struct {
	fundindexer.Contribution
	BelowMinimum bool
}

// sequenceGaps reports holes in the combined event sequence. Gaps before the
// first indexed event in the window are invisible and not reported.
func sequenceGaps(contributions []fundindexer.Contribution, withdrawals []fundindexer.Withdrawal, rotations []fundindexer.OracleRotation) []Anomaly {
	sequences := make([]uint64, 0, len(contributions)+len(withdrawals)+len(rotations))
	for _, c := range contributions {
		sequences = append(sequences, c.Sequence)
	}
	for _, w := range withdrawals {
		sequences = append(sequences, w.Sequence)
	}
	for _, r := range rotations {
		sequences = append(sequences, r.Sequence)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	anomalies := make([]Anomaly, 0)
	for i := 1; i < len(sequences); i++ {
		prev, next := sequences[i-1], sequences[i]
		if next > prev+1 {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalySequenceGap,
				Sequence: prev + 1,
				Details:  fmt.Sprintf("sequences %d through %d missing between indexed events", prev+1, next-1),
			})
		}
	}
	return anomalies
}

func (a *Auditor) writeContributionReports(baseDir string, rows []contributionRow) (ReportFile, error) {
	csvPath := filepath.Join(baseDir, "contributions.csv")
	if err := writeContributionCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, "contributions.parquet")
	if err := writeContributionParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	a.logger.Info("audit report written", "path", csvPath, "rows", len(rows))
	a.logger.Info("audit report written", "path", parquetPath, "rows", len(rows))
	return ReportFile{Kind: "contributions", CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func (a *Auditor) writeWithdrawalReports(baseDir string, rows []fundindexer.Withdrawal) (ReportFile, error) {
	csvPath := filepath.Join(baseDir, "withdrawals.csv")
	if err := writeWithdrawalCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, "withdrawals.parquet")
	if err := writeWithdrawalParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	a.logger.Info("audit report written", "path", csvPath, "rows", len(rows))
	a.logger.Info("audit report written", "path", parquetPath, "rows", len(rows))
	return ReportFile{Kind: "withdrawals", CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeContributionCSV(path string, rows []contributionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"sequence", "receipt", "funder", "amount", "usd_value", "below_minimum", "emitted_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.Sequence),
			row.Receipt,
			row.Funder,
			row.Amount,
			row.USDValue,
			boolString(row.BelowMinimum),
			row.EmittedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

func writeWithdrawalCSV(path string, rows []fundindexer.Withdrawal) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"sequence", "receipt", "to", "amount", "funders_reset", "emitted_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.Sequence),
			row.Receipt,
			row.To,
			row.Amount,
			fmt.Sprintf("%d", row.FundersReset),
			row.EmittedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type contributionParquetRow struct {
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Receipt      string `parquet:"name=receipt, type=BYTE_ARRAY, convertedtype=UTF8"`
	Funder       string `parquet:"name=funder, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	USDValue     string `parquet:"name=usd_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	BelowMinimum bool   `parquet:"name=below_minimum, type=BOOLEAN"`
	EmittedAt    string `parquet:"name=emitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type withdrawalParquetRow struct {
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Receipt      string `parquet:"name=receipt, type=BYTE_ARRAY, convertedtype=UTF8"`
	To           string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundersReset int64  `parquet:"name=funders_reset, type=INT64"`
	EmittedAt    string `parquet:"name=emitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeContributionParquet(path string, rows []contributionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(contributionParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &contributionParquetRow{
			Sequence:     int64(row.Sequence),
			Receipt:      row.Receipt,
			Funder:       row.Funder,
			Amount:       row.Amount,
			USDValue:     row.USDValue,
			BelowMinimum: row.BelowMinimum,
			EmittedAt:    row.EmittedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
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

func writeWithdrawalParquet(path string, rows []fundindexer.Withdrawal) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(withdrawalParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &withdrawalParquetRow{
			Sequence:     int64(row.Sequence),
			Receipt:      row.Receipt,
			To:           row.To,
			Amount:       row.Amount,
			FundersReset: int64(row.FundersReset),
			EmittedAt:    row.EmittedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
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

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func parseBig(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return value, true
}
