package recordcheck

import (
	"context"
	"fmt"
	"io"
	"sort"

	"landsync/runtime/internal/land"
	"landsync/runtime/internal/record"
)

// Report summarises one record verification.
type Report struct {
	LandID      string
	LandType    string
	MaxTickID   int64
	TickCount   int
	Matched     int
	Mismatched  []int64
	EventIssues int
	FieldIssues int
}

// OK reports whether the record replayed bit-identically.
func (r Report) OK() bool {
	return len(r.Mismatched) == 0 && r.EventIssues == 0 && r.FieldIssues == 0
}

// Check loads a record file, re-evaluates it against the matching definition
// and summarises the comparison.
func Check(path string, defs map[string]*land.Definition, exportPath string) (Report, error) {
	rec, err := record.Load(path)
	if err != nil {
		return Report{}, err
	}
	def, ok := defs[rec.Metadata.LandType]
	if !ok {
		return Report{}, fmt.Errorf("no definition registered for land type %q", rec.Metadata.LandType)
	}

	opts := []land.ReevalOption{}
	if exportPath != "" {
		lines, err := record.ReadExport(exportPath)
		if err != nil {
			return Report{}, fmt.Errorf("read export baseline: %w", err)
		}
		opts = append(opts, land.WithExportBaseline(lines))
	}

	reeval, err := land.NewReevaluator(def, rec, opts...)
	if err != nil {
		return Report{}, err
	}
	result, err := reeval.Run(context.Background())
	if err != nil {
		return Report{}, err
	}

	report := Report{
		LandID:      rec.Metadata.LandID,
		LandType:    rec.Metadata.LandType,
		MaxTickID:   result.MaxTickID,
		TickCount:   len(result.TickHashes),
		EventIssues: len(result.ServerEventMismatches),
		FieldIssues: len(result.FieldDiffs),
	}
	//1.- Collect mismatching ticks in order for a stable report.
	for tick, recorded := range result.RecordedStateHashes {
		if recorded != "" && result.TickHashes[tick] != recorded {
			report.Mismatched = append(report.Mismatched, tick)
			continue
		}
		report.Matched++
	}
	sort.Slice(report.Mismatched, func(i, j int) bool { return report.Mismatched[i] < report.Mismatched[j] })
	return report, nil
}

// Render writes the human-readable report.
func Render(w io.Writer, report Report) {
	fmt.Fprintf(w, "record %s (%s)\n", report.LandID, report.LandType)
	fmt.Fprintf(w, "  ticks: %d (max tick id %d)\n", report.TickCount, report.MaxTickID)
	fmt.Fprintf(w, "  hash matches: %d\n", report.Matched)
	if len(report.Mismatched) > 0 {
		fmt.Fprintf(w, "  hash mismatches at ticks: %v\n", report.Mismatched)
	}
	if report.EventIssues > 0 {
		fmt.Fprintf(w, "  server event mismatches: %d\n", report.EventIssues)
	}
	if report.FieldIssues > 0 {
		fmt.Fprintf(w, "  field diffs vs export: %d\n", report.FieldIssues)
	}
	if report.OK() {
		fmt.Fprintln(w, "  verdict: deterministic")
	} else {
		fmt.Fprintln(w, "  verdict: DIVERGED")
	}
}
