package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"fundvault/services/fundindexer"
	"fundvault/services/fundindexer/audit"
)

type auditReport struct {
	RunID  string `json:"runId"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Counts struct {
		Contributions   int `json:"contributions"`
		Withdrawals     int `json:"withdrawals"`
		OracleRotations int `json:"oracleRotations"`
	} `json:"counts"`
	Totals struct {
		Contributed string `json:"contributed"`
		USDValue    string `json:"usdValue"`
		Withdrawn   string `json:"withdrawn"`
		Funders     int    `json:"funders"`
	} `json:"totals"`
	Anomalies []reportAnomaly `json:"anomalies"`
	Files     []reportFile    `json:"files"`
}

type reportAnomaly struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence,omitempty"`
	Details  string `json:"details"`
}

type reportFile struct {
	Kind    string `json:"kind"`
	CSV     string `json:"csv"`
	Parquet string `json:"parquet"`
	Count   int    `json:"count"`
}

func main() {
	database := flag.String("database", "fundindexer.sqlite", "Indexer database DSN")
	outDir := flag.String("out", "", "Directory for CSV and Parquet exports")
	startFlag := flag.String("start", "", "Window start (RFC3339); defaults to end minus --window")
	endFlag := flag.String("end", "", "Window end (RFC3339); defaults to now")
	window := flag.Duration("window", 24*time.Hour, "Window length applied when --start is omitted")
	dryRun := flag.Bool("dry-run", false, "Report without writing export files")
	minimumFlag := flag.String("minimum-usd", "50000000000000000000", "Contribution floor in 18-decimal USD; 0 disables the check")
	strict := flag.Bool("strict", false, "exit with non-zero code when anomalies are found")
	flag.Parse()

	end := time.Now().UTC()
	if *endFlag != "" {
		parsed, err := time.Parse(time.RFC3339, *endFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --end: %v\n", err)
			os.Exit(1)
		}
		end = parsed.UTC()
	}
	var start time.Time
	if *startFlag != "" {
		parsed, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --start: %v\n", err)
			os.Exit(1)
		}
		start = parsed.UTC()
	} else {
		if *window <= 0 {
			fmt.Fprintln(os.Stderr, "--window must be positive when --start is omitted")
			os.Exit(1)
		}
		start = end.Add(-*window)
	}

	var minimum *big.Int
	if trimmed := strings.TrimSpace(*minimumFlag); trimmed != "" && trimmed != "0" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid --minimum-usd %q\n", *minimumFlag)
			os.Exit(1)
		}
		minimum = parsed
	}

	store, err := fundindexer.OpenStore(*database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open indexer database: %v\n", err)
		os.Exit(1)
	}

	auditor, err := audit.New(audit.Config{
		Ledger:     store,
		OutputDir:  *outDir,
		MinimumUSD: minimum,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build auditor: %v\n", err)
		os.Exit(1)
	}

	res, err := auditor.Run(context.Background(), audit.RunOptions{Start: start, End: end, DryRun: *dryRun})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	report := buildReport(res)
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))

	if *strict && len(res.Anomalies) > 0 {
		fmt.Fprintf(os.Stderr, "audit found %d anomalies\n", len(res.Anomalies))
		os.Exit(1)
	}
}

func buildReport(res *audit.Result) auditReport {
	report := auditReport{
		RunID:     res.RunID.String(),
		Start:     res.Start.Format(time.RFC3339),
		End:       res.End.Format(time.RFC3339),
		Anomalies: make([]reportAnomaly, 0, len(res.Anomalies)),
		Files:     make([]reportFile, 0, len(res.Files)),
	}
	report.Counts.Contributions = len(res.Contributions)
	report.Counts.Withdrawals = len(res.Withdrawals)
	report.Counts.OracleRotations = len(res.Rotations)
	report.Totals.Contributed = res.Totals.Contributed.String()
	report.Totals.USDValue = res.Totals.USDValue.String()
	report.Totals.Withdrawn = res.Totals.Withdrawn.String()
	report.Totals.Funders = res.Totals.Funders
	for _, anomaly := range res.Anomalies {
		report.Anomalies = append(report.Anomalies, reportAnomaly{
			Type:     anomaly.Type,
			Sequence: anomaly.Sequence,
			Details:  anomaly.Details,
		})
	}
	for _, file := range res.Files {
		report.Files = append(report.Files, reportFile{
			Kind:    file.Kind,
			CSV:     file.CSVPath,
			Parquet: file.ParquetPath,
			Count:   file.Count,
		})
	}
	return report
}
