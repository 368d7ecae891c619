// Package bench turns `go test -bench` output into grouped reports.
package bench

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SystemInfo describes the machine a report was generated on.
type SystemInfo struct {
	Timestamp    string
	OS           string
	Architecture string
	GoVersion    string
	CPU          string
	NumCPU       int
}

// GetSystemInfo retrieves current system information. CPU is taken from
// the benchmark header when present, else from /proc/cpuinfo.
func GetSystemInfo(cpu string) *SystemInfo {
	info := &SystemInfo{
		Timestamp:    time.Now().Format("2006-01-02 15:04:05 MST"),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		CPU:          cpu,
		NumCPU:       runtime.NumCPU(),
	}
	if info.CPU == "" && runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if name, ok := strings.CutPrefix(line, "model name"); ok {
					info.CPU = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), ":"))
					break
				}
			}
		}
	}
	if info.CPU == "" {
		info.CPU = fmt.Sprintf("%s/%s (%d cores)", runtime.GOOS, runtime.GOARCH, info.NumCPU)
	}
	return info
}

// Result is one benchmark line.
type Result struct {
	Package     string
	Name        string
	Iterations  int64
	NsPerOp     float64
	MBPerSec    float64
	BytesPerOp  int64
	AllocsPerOp int64
}

// DisplayName strips the Benchmark prefix and the GOMAXPROCS suffix.
func (r Result) DisplayName() string {
	name := strings.TrimPrefix(r.Name, "Benchmark")
	if i := strings.LastIndex(name, "-"); i > 0 {
		if _, err := strconv.Atoi(name[i+1:]); err == nil {
			name = name[:i]
		}
	}
	return name
}

// Category groups a result for the report.
func (r Result) Category() string {
	name := r.DisplayName()
	switch {
	case strings.HasPrefix(name, "Ed25519") || strings.HasPrefix(name, "BLS"):
		return CategoryCrypto
	case strings.HasPrefix(name, "Aggregate") || strings.HasPrefix(name, "VerifyCertificate") ||
		strings.HasPrefix(name, "CompactCertificate") || strings.HasPrefix(name, "CertificateWire"):
		return CategoryCertificates
	case strings.HasPrefix(name, "WitnessAppend"):
		return CategoryWitness
	case strings.HasPrefix(name, "OrchestratorAppend"):
		return CategoryOrchestrator
	case strings.HasPrefix(name, "Commit"):
		return CategoryStorage
	default:
		return CategoryOther
	}
}

// Report categories, in display order.
const (
	CategoryCrypto       = "Signatures"
	CategoryCertificates = "Certificates"
	CategoryWitness      = "Witness"
	CategoryOrchestrator = "Coordinator"
	CategoryStorage      = "Storage"
	CategoryOther        = "Other"
)

var categoryOrder = []string{
	CategoryCrypto, CategoryCertificates, CategoryWitness,
	CategoryOrchestrator, CategoryStorage, CategoryOther,
}

// Output is parsed benchmark output.
type Output struct {
	CPU     string
	Results []Result
}

// Parse parses Go benchmark output. Lines without a timing are skipped.
func Parse(output string) Output {
	var out Output
	pkg := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "pkg:"); ok {
			pkg = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "cpu:"); ok {
			out.CPU = strings.TrimSpace(v)
			continue
		}
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		r := Result{Package: pkg, Name: fields[0]}
		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			r.Iterations = n
		}
		for i := 2; i+1 < len(fields); i += 2 {
			value, unit := fields[i], fields[i+1]
			switch unit {
			case "ns/op":
				r.NsPerOp, _ = strconv.ParseFloat(value, 64)
			case "MB/s":
				r.MBPerSec, _ = strconv.ParseFloat(value, 64)
			case "B/op":
				r.BytesPerOp, _ = strconv.ParseInt(value, 10, 64)
			case "allocs/op":
				r.AllocsPerOp, _ = strconv.ParseInt(value, 10, 64)
			}
		}
		if r.NsPerOp > 0 {
			out.Results = append(out.Results, r)
		}
	}
	return out
}

// Group sorts results into categories, each ordered by name.
func Group(results []Result) map[string][]Result {
	groups := make(map[string][]Result)
	for _, r := range results {
		c := r.Category()
		groups[c] = append(groups[c], r)
	}
	for _, rs := range groups {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Name < rs[j].Name })
	}
	return groups
}

// Find returns the first result whose display name is name.
func Find(results []Result, name string) (Result, bool) {
	for _, r := range results {
		if r.DisplayName() == name {
			return r, true
		}
	}
	return Result{}, false
}

// ClassifySpeed returns the CSS class for a per-operation time.
func ClassifySpeed(nsPerOp float64) string {
	switch {
	case nsPerOp < 100_000:
		return "metric-fast"
	case nsPerOp < 1_000_000:
		return "metric-medium"
	default:
		return "metric-slow"
	}
}

// FormatDuration formats nanoseconds into a human-readable duration.
func FormatDuration(ns float64) string {
	switch {
	case ns < 1e3:
		return fmt.Sprintf("%.1f ns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.2f μs", ns/1e3)
	case ns < 1e9:
		return fmt.Sprintf("%.2f ms", ns/1e6)
	default:
		return fmt.Sprintf("%.2f s", ns/1e9)
	}
}

// FormatOpsPerSec formats the throughput implied by nsPerOp.
func FormatOpsPerSec(nsPerOp float64) string {
	if nsPerOp == 0 {
		return "N/A"
	}
	ops := 1e9 / nsPerOp
	switch {
	case ops >= 1e6:
		return fmt.Sprintf("%.2fM", ops/1e6)
	case ops >= 1e3:
		return fmt.Sprintf("%.1fK", ops/1e3)
	default:
		return fmt.Sprintf("%.0f", ops)
	}
}
