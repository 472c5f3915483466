package workload

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Result is the timing distribution of one test against one backend.
type Result struct {
	Backend    string
	Test       string
	Ops        int // operations per run
	TimeMin    time.Duration
	TimeMedian time.Duration
	TimeMax    time.Duration
	Allocs     int64 // median allocations per run
	Bytes      int64 // median bytes allocated per run
}

// OpsPerSec returns the median throughput.
func (r Result) OpsPerSec() float64 {
	if r.TimeMedian <= 0 {
		return 0
	}
	return float64(r.Ops) / r.TimeMedian.Seconds()
}

// Results collects results and prints them grouped by test.
type Results struct {
	results []Result
}

func NewResults() *Results { return &Results{} }

func (rs *Results) Add(r Result) { rs.results = append(rs.results, r) }

// All returns the collected results in insertion order.
func (rs *Results) All() []Result { return rs.results }

var backendOrder = map[string]int{"memtree": 0, "pebble": 1, "badger": 2, "bolt": 3}

// PrintSummary writes one table per test with min/median/max timings.
func (rs *Results) PrintSummary(w io.Writer, title string) {
	if len(rs.results) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("=", len(title)))

	groups := make(map[string][]Result)
	for _, r := range rs.results {
		groups[r.Test] = append(groups[r.Test], r)
	}
	tests := make([]string, 0, len(groups))
	for t := range groups {
		tests = append(tests, t)
	}
	sort.Strings(tests)

	for i, test := range tests {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n%s\n", test, strings.Repeat("-", len(test)))

		results := groups[test]
		sort.Slice(results, func(i, j int) bool {
			oi, okI := backendOrder[results[i].Backend]
			oj, okJ := backendOrder[results[j].Backend]
			if okI && okJ {
				return oi < oj
			}
			if okI != okJ {
				return okI
			}
			return results[i].Backend < results[j].Backend
		})

		var maxTime time.Duration
		for _, r := range results {
			maxTime = max(maxTime, r.TimeMax)
		}
		unit := chooseTimeUnit(maxTime)

		fmt.Fprintf(w, "%-10s | %-22s | %12s | %12s | %10s\n",
			"Backend", fmt.Sprintf("Time/Run (%s)", unit), "Ops/s", "Allocs/Run", "Bytes/Run")
		fmt.Fprintln(w, strings.Repeat("-", 78))
		for _, r := range results {
			fmt.Fprintf(w, "%-10s | %-22s | %12s | %12s | %10s\n",
				r.Backend,
				formatTimeRange(r.TimeMin, r.TimeMedian, r.TimeMax, unit),
				humanize.CommafWithDigits(r.OpsPerSec(), 0),
				humanize.Comma(r.Allocs),
				humanize.IBytes(uint64(max(r.Bytes, 0))))
		}
	}
	fmt.Fprintln(w)
}

func chooseTimeUnit(d time.Duration) string {
	switch {
	case d >= time.Second:
		return "s"
	case d >= time.Millisecond:
		return "ms"
	case d >= time.Microsecond:
		return "µs"
	}
	return "ns"
}

func formatTimeRange(lo, med, hi time.Duration, unit string) string {
	var div float64
	switch unit {
	case "s":
		return fmt.Sprintf("%.2f/%.2f/%.2f", lo.Seconds(), med.Seconds(), hi.Seconds())
	case "ms":
		div = 1e6
	case "µs":
		div = 1e3
	default:
		return fmt.Sprintf("%d/%d/%d", lo.Nanoseconds(), med.Nanoseconds(), hi.Nanoseconds())
	}
	return fmt.Sprintf("%.1f/%.1f/%.1f",
		float64(lo.Nanoseconds())/div, float64(med.Nanoseconds())/div, float64(hi.Nanoseconds())/div)
}

// CalculateStats returns the min, median and max of times.
func CalculateStats(times []time.Duration) (lo, med, hi time.Duration) {
	if len(times) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	med = sorted[mid]
	if len(sorted)%2 == 0 {
		med = (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[0], med, sorted[len(sorted)-1]
}

// MedianInt64 returns the median of values.
func MedianInt64(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
