// Command report renders incident bundles captured by the flight recorder
// into markdown post-mortems.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mercurylabs/mercurystream/internal/app/report"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() { os.Exit(run()) }

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <bundle-or-incidents-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	quiet := flag.Bool("quiet", false, "Do not echo single-bundle reports to stdout")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitUsage
	}
	path := flag.Arg(0)

	logger := config.NewLogger("report", "info", "console")

	if report.IsBundle(path) {
		out, err := report.Generate(path)
		if err != nil {
			logger.Error().Err(err).Str("bundle", path).Msg("report generation failed")
			return exitFailure
		}
		logger.Info().Str("report", out).Msg("report generated")
		if !*quiet {
			md, err := os.ReadFile(out)
			if err == nil {
				os.Stdout.Write(md)
			}
		}
		return exitOK
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("cannot read incidents directory")
		return exitFailure
	}

	generated, failed := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if !report.IsBundle(dir) {
			continue
		}
		out, err := report.Generate(dir)
		if err != nil {
			failed++
			logger.Error().Err(err).Str("bundle", dir).Msg("report generation failed")
			continue
		}
		generated++
		logger.Info().Str("report", out).Msg("report generated")
	}

	logger.Info().Int("generated", generated).Int("failed", failed).Msg("incident sweep complete")
	if generated == 0 && failed > 0 {
		return exitFailure
	}
	return exitOK
}
