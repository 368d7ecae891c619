package bench

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `goos: linux
goarch: amd64
pkg: github.com/SirZayers/Nimble
cpu: Test CPU @ 3.00GHz
BenchmarkVerifyCertificate/ed25519_7Witnesses-8         	    5000	    250000 ns/op	    1024 B/op	      12 allocs/op
BenchmarkVerifyCertificate/bls_7Witnesses-8             	     500	   2500000 ns/op	    4096 B/op	      40 allocs/op
BenchmarkCompactCertificate/Validate-8                  	     800	   1200000 ns/op
BenchmarkOrchestratorAppend/3Witnesses-8                	    2000	    600000 ns/op
BenchmarkCertificateWire-8                              	  100000	     12000 ns/op	  85.33 MB/s	    2048 B/op	      30 allocs/op
PASS
pkg: github.com/SirZayers/Nimble/storage
BenchmarkCommit/sqlite-8                                	    1000	   1500000 ns/op	   0.17 MB/s
BenchmarkBroken-8 oops
ok  	github.com/SirZayers/Nimble	12.3s
`

func TestParse(t *testing.T) {
	out := Parse(sample)
	assert.Equal(t, "Test CPU @ 3.00GHz", out.CPU)
	require.Len(t, out.Results, 6)

	r := out.Results[0]
	assert.Equal(t, "github.com/SirZayers/Nimble", r.Package)
	assert.Equal(t, "VerifyCertificate/ed25519_7Witnesses", r.DisplayName())
	assert.Equal(t, int64(5000), r.Iterations)
	assert.Equal(t, 250000.0, r.NsPerOp)
	assert.Equal(t, int64(1024), r.BytesPerOp)
	assert.Equal(t, int64(12), r.AllocsPerOp)

	wire := out.Results[4]
	assert.Equal(t, 85.33, wire.MBPerSec)
	assert.Equal(t, int64(30), wire.AllocsPerOp)

	assert.Equal(t, "github.com/SirZayers/Nimble/storage", out.Results[5].Package)
}

func TestGroup(t *testing.T) {
	groups := Group(Parse(sample).Results)
	assert.Len(t, groups[CategoryCertificates], 4)
	assert.Len(t, groups[CategoryOrchestrator], 1)
	assert.Len(t, groups[CategoryStorage], 1)
	assert.Equal(t, CategoryCrypto, Result{Name: "BenchmarkBLSVerify-4"}.Category())
	assert.Equal(t, CategoryWitness, Result{Name: "BenchmarkWitnessAppend/bls-4"}.Category())
	assert.Equal(t, CategoryOther, Result{Name: "BenchmarkSomething"}.Category())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "500.0 ns", FormatDuration(500))
	assert.Equal(t, "2.50 μs", FormatDuration(2500))
	assert.Equal(t, "1.50 ms", FormatDuration(1.5e6))
	assert.Equal(t, "2.00 s", FormatDuration(2e9))
	assert.Equal(t, "1.00M", FormatOpsPerSec(1000))
	assert.Equal(t, "4.0K", FormatOpsPerSec(250000))
	assert.Equal(t, "N/A", FormatOpsPerSec(0))
	assert.Equal(t, "metric-fast", ClassifySpeed(50000))
	assert.Equal(t, "metric-medium", ClassifySpeed(500000))
	assert.Equal(t, "metric-slow", ClassifySpeed(5e6))
}

func TestReport(t *testing.T) {
	r := NewReport([]byte(sample))
	require.Len(t, r.Highlights, 4)
	assert.Equal(t, "10.0x", r.Highlights[3].Value)
	assert.Equal(t, CategoryCertificates, r.Sections[0].Category)

	dir := t.TempDir()
	tmpl := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(tmpl, []byte("<main>{{CONTENT}}</main>"), 0o644))
	out := filepath.Join(dir, "report.html")
	require.NoError(t, GenerateHTMLReport(tmpl, out, []byte(sample)))

	html, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<main>")
	assert.Contains(t, string(html), "CompactCertificate/Validate")
	assert.NotContains(t, string(html), "{{CONTENT}}")

	assert.Error(t, GenerateHTMLReport(filepath.Join(dir, "missing.html"), out, nil))
	require.NoError(t, GenerateHTMLReport("", out, []byte(sample)))
}
