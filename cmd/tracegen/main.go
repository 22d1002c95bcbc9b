// Command tracegen writes synthetic CAN traces in the Arbitration_ID,DLC,Data
// CSV layout read by busoff-sim -trace.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/trace"
)

type genConfig struct {
	outDir      string
	files       int
	rows        int
	probability float64
	seed        int64
	logFormat   string
	logLevel    string
}

func parseFlags() *genConfig {
	c := &genConfig{}
	flag.StringVar(&c.outDir, "out", "generated_logs", "output directory")
	flag.IntVar(&c.files, "files", 10, "number of CSV files")
	flag.IntVar(&c.rows, "rows", 1000, "frames per file")
	flag.Float64Var(&c.probability, "pattern-probability", 0.1, "chance that a file leads with a logical pattern")
	flag.Int64Var(&c.seed, "seed", 1, "random seed")
	flag.StringVar(&c.logFormat, "log-format", "text", "log format: text|json")
	flag.StringVar(&c.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()
	return c
}

func (c *genConfig) validate() error {
	if c.outDir == "" {
		return errors.New("-out must not be empty")
	}
	if c.files <= 0 || c.rows <= 0 {
		return fmt.Errorf("-files and -rows must be > 0 (got %d, %d)", c.files, c.rows)
	}
	if c.probability < 0 || c.probability > 1 {
		return fmt.Errorf("-pattern-probability must be within [0,1] (got %v)", c.probability)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid -log-format %q", c.logFormat)
	}
	return nil
}

func main() {
	c := parseFlags()
	if err := c.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}
	l := logging.New(c.logFormat, logging.ParseLevel(c.logLevel), os.Stderr).With("app", "tracegen")
	logging.Set(l)
	if err := generate(c, l); err != nil {
		l.Error("tracegen_error", "error", err)
		os.Exit(1)
	}
}

func generate(c *genConfig, l *slog.Logger) error {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	g := trace.NewGenerator(c.seed)
	g.PatternProbability = c.probability
	withPattern := 0
	for i := 1; i <= c.files; i++ {
		frames, pattern, err := g.Generate(c.rows)
		if err != nil {
			return err
		}
		path := filepath.Join(c.outDir, fmt.Sprintf("generated_logs_%d.csv", i))
		if err := writeFile(path, frames); err != nil {
			return err
		}
		if pattern >= 0 {
			withPattern++
		}
		l.Debug("trace_written", "path", path, "frames", len(frames), "pattern", pattern)
	}
	l.Info("tracegen_complete", "dir", c.outDir, "files", c.files, "rows", c.rows, "with_pattern", withPattern)
	return nil
}

func writeFile(path string, frames []can.Frame) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := trace.NewWriter(f)
	for _, fr := range frames {
		if err := w.Write(fr); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return w.Flush()
}
