// Command benchgen renders `go test -bench` output as an HTML report.
//
//	go test -run '^$' -bench . -benchmem ./... | tee bench.txt
//	benchgen -in bench.txt -out report.html
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/SirZayers/Nimble/bench"
)

func main() {
	in := flag.String("in", "-", "benchmark output file, - for stdin")
	out := flag.String("out", "bench.html", "report file")
	tmpl := flag.String("template", "", "HTML page with a {{CONTENT}} marker")
	flag.Parse()

	var (
		data []byte
		err  error
	)
	if *in == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*in)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading benchmark output: %v\n", err)
		os.Exit(1)
	}

	if err := bench.GenerateHTMLReport(*tmpl, *out, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Report generated: %s\n", *out)
}
