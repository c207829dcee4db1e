// Command verifyctl replays a CSV export of committed daily_aggregate
// rows and checks the storage-port invariants that are checkable
// without reconnecting to the database (spec §8, invariants 2, 6, 7).
package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// allowedColumns is the full allow-list a daily_aggregate export may
// carry. Any column outside this set fails invariant 7 (no-raw-storage):
// the export is assumed to come straight from the table, so a stray
// column means something outside the storage port's schema leaked in.
var allowedColumns = map[string]bool{
	"subject_ref": true, "date": true,
	"inflow_sum": true, "outflow_sum": true,
	"free_cash_net":          true,
	"owner_dependency_ratio": true, "pass_through_ratio": true, "unknown_flow_ratio": true,
	"unique_payers_count": true, "accepted_partial_rows": true, "unknown_cct_count": true,
}

var buckets = []string{"free", "constrained", "pass_through", "artificial", "conditional", "unknown"}

func init() {
	for _, b := range buckets {
		for _, dir := range []string{"in", "out"} {
			allowedColumns[b+"_"+dir+"_sum"] = true
			allowedColumns[b+"_"+dir+"_count"] = true
		}
	}
}

const epsilon = 1e-6

func main() {
	var inPath = flag.String("in", "", "CSV export of the daily_aggregate table")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}

	f, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(2)
	}

	col := map[string]int{}
	for i, h := range header {
		name := strings.TrimSpace(h)
		col[name] = i
		if !allowedColumns[name] {
			fmt.Fprintf(os.Stderr, "FAIL: column %q is not in the persisted allow-list (invariant 7)\n", name)
			os.Exit(1)
		}
	}

	lineNo := 1
	rows := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			fmt.Fprintln(os.Stderr, "csv read:", err)
			os.Exit(2)
		}

		if err := checkRow(col, rec); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL line %d: %v\n", lineNo, err)
			os.Exit(1)
		}
		rows++
	}

	if rows == 0 {
		fmt.Fprintln(os.Stderr, "FAIL: empty export")
		os.Exit(1)
	}

	fmt.Printf("OK: %d daily_aggregate rows verified\n", rows)
}

func checkRow(col map[string]int, rec []string) error {
	field := func(name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	ratio := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(field(name), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	// Invariant 6: ratio bounds.
	for _, name := range []string{"owner_dependency_ratio", "pass_through_ratio", "unknown_flow_ratio"} {
		v, err := ratio(name)
		if err != nil {
			return err
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%s=%v out of [0,1]", name, v)
		}
	}

	// Invariant 2 (partial, replay-only): the bucket sums for each
	// direction must foot to the day's inflow/outflow sum, and total
	// accepted rows implied by the bucket counts must be at least the
	// day's accepted_partial_rows (a partial row is still one accepted
	// row in exactly one bucket).
	inflow, err := ratio("inflow_sum")
	if err != nil {
		return err
	}
	outflow, err := ratio("outflow_sum")
	if err != nil {
		return err
	}

	var inSum, outSum float64
	var totalCount int
	for _, b := range buckets {
		v, err := ratio(b + "_in_sum")
		if err != nil {
			return err
		}
		inSum += v
		v, err = ratio(b + "_out_sum")
		if err != nil {
			return err
		}
		outSum += v

		c, err := strconv.Atoi(field(b + "_in_count"))
		if err != nil {
			return fmt.Errorf("%s_in_count: %w", b, err)
		}
		totalCount += c
		c, err = strconv.Atoi(field(b + "_out_count"))
		if err != nil {
			return fmt.Errorf("%s_out_count: %w", b, err)
		}
		totalCount += c
	}
	if abs(inSum-inflow) > epsilon {
		return fmt.Errorf("bucket in-sums %v do not foot to inflow_sum %v", inSum, inflow)
	}
	if abs(outSum-outflow) > epsilon {
		return fmt.Errorf("bucket out-sums %v do not foot to outflow_sum %v", outSum, outflow)
	}

	freeCashNet, err := ratio("free_cash_net")
	if err != nil {
		return err
	}
	freeIn, err := ratio("free_in_sum")
	if err != nil {
		return err
	}
	freeOut, err := ratio("free_out_sum")
	if err != nil {
		return err
	}
	if abs(freeCashNet-(freeIn-freeOut)) > epsilon {
		return fmt.Errorf("free_cash_net=%v does not equal free_in_sum-free_out_sum=%v", freeCashNet, freeIn-freeOut)
	}

	partial, err := strconv.Atoi(field("accepted_partial_rows"))
	if err != nil {
		return fmt.Errorf("accepted_partial_rows: %w", err)
	}
	if partial > totalCount {
		return fmt.Errorf("accepted_partial_rows=%d exceeds total bucket count=%d", partial, totalCount)
	}

	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
