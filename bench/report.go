package bench

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"strings"
)

// Highlight is a headline number of the report.
type Highlight struct {
	Title  string
	Value  string
	Detail string
}

// Section is one category table.
type Section struct {
	Category string
	Results  []Result
}

// Report is the data a report template renders.
type Report struct {
	System     *SystemInfo
	Highlights []Highlight
	Sections   []Section
}

// NewReport builds a report from benchmark output.
func NewReport(benchmarkOutput []byte) *Report {
	out := Parse(string(benchmarkOutput))
	groups := Group(out.Results)

	r := &Report{System: GetSystemInfo(out.CPU)}
	for _, c := range categoryOrder {
		if rs := groups[c]; len(rs) > 0 {
			r.Sections = append(r.Sections, Section{Category: c, Results: rs})
		}
	}

	highlight := func(title, name, detail string) {
		if res, ok := Find(out.Results, name); ok {
			r.Highlights = append(r.Highlights, Highlight{
				Title:  title,
				Value:  FormatDuration(res.NsPerOp),
				Detail: detail,
			})
		}
	}
	highlight("Certified append", "OrchestratorAppend/3Witnesses", "3 witnesses, in process")
	highlight("Client verification", "VerifyCertificate/ed25519_7Witnesses", "Ed25519, 7 signatures")
	highlight("Compact validation", "CompactCertificate/Validate", "BLS, 7 signers, 1 aggregate")

	ed, okEd := Find(out.Results, "VerifyCertificate/ed25519_7Witnesses")
	bls, okBLS := Find(out.Results, "VerifyCertificate/bls_7Witnesses")
	if okEd && okBLS && ed.NsPerOp > 0 {
		r.Highlights = append(r.Highlights, Highlight{
			Title:  "BLS / Ed25519 verification",
			Value:  fmt.Sprintf("%.1fx", bls.NsPerOp/ed.NsPerOp),
			Detail: "per certificate, 7 witnesses",
		})
	}
	return r
}

var funcs = template.FuncMap{
	"duration": FormatDuration,
	"ops":      FormatOpsPerSec,
	"speed":    ClassifySpeed,
}

const contentTemplate = `<div class="section">
<h2>System Information</h2>
<table>
<tr><th>Timestamp</th><td>{{.System.Timestamp}}</td></tr>
<tr><th>Platform</th><td>{{.System.OS}}/{{.System.Architecture}}</td></tr>
<tr><th>Go</th><td>{{.System.GoVersion}}</td></tr>
<tr><th>CPU</th><td>{{.System.CPU}} ({{.System.NumCPU}} cores)</td></tr>
</table>
</div>
{{if .Highlights}}<div class="section summary">
{{range .Highlights}}<div class="summary-card">
<div class="summary-title">{{.Title}}</div>
<div class="summary-value">{{.Value}}</div>
<div class="summary-detail">{{.Detail}}</div>
</div>
{{end}}</div>
{{end}}{{range .Sections}}<div class="section">
<h2>{{.Category}}</h2>
<table>
<thead><tr><th>Benchmark</th><th>Iterations</th><th>Time</th><th>Ops/sec</th><th>Memory</th><th>Allocs</th></tr></thead>
<tbody>
{{range .Results}}<tr><td class="benchmark-name">{{.DisplayName}}</td><td>{{.Iterations}}</td><td class="{{speed .NsPerOp}}">{{duration .NsPerOp}}</td><td>{{ops .NsPerOp}}</td><td>{{.BytesPerOp}} B</td><td>{{.AllocsPerOp}}</td></tr>
{{end}}</tbody>
</table>
</div>
{{end}}`

const defaultPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Benchmark Report</title></head>
<body>{{CONTENT}}</body></html>
`

var content = template.Must(template.New("content").Funcs(funcs).Parse(contentTemplate))

// Render renders the report body.
func (r *Report) Render() (string, error) {
	var buf bytes.Buffer
	if err := content.Execute(&buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// GenerateHTMLReport renders benchmark output into the page at
// templatePath, replacing its {{CONTENT}} marker. An empty templatePath
// selects a bare page.
func GenerateHTMLReport(templatePath, outputPath string, benchmarkOutput []byte) error {
	page := defaultPage
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return fmt.Errorf("failed to read template: %w", err)
		}
		page = string(data)
	}
	body, err := NewReport(benchmarkOutput).Render()
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return os.WriteFile(outputPath, []byte(strings.Replace(page, "{{CONTENT}}", body, 1)), 0o644)
}
