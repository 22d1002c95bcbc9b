package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/trace"
)

func TestGenerate_WritesReadableFiles(t *testing.T) {
	c := &genConfig{outDir: filepath.Join(t.TempDir(), "out"), files: 3, rows: 25, probability: 1, seed: 4, logFormat: "text"}
	if err := generate(c, logging.Discard()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 1; i <= 3; i++ {
		f, err := os.Open(filepath.Join(c.outDir, fmt.Sprintf("generated_logs_%d.csv", i)))
		if err != nil {
			t.Fatalf("open file %d: %v", i, err)
		}
		frames, err := trace.ReadAll(f)
		f.Close()
		if err != nil {
			t.Fatalf("read file %d: %v", i, err)
		}
		if len(frames) != 25 {
			t.Fatalf("file %d: expected 25 frames, got %d", i, len(frames))
		}
	}
}

func TestGenConfigValidate(t *testing.T) {
	ok := genConfig{outDir: "x", files: 1, rows: 1, probability: 0.5, logFormat: "json"}
	if err := ok.validate(); err != nil {
		t.Fatalf("expected ok: %v", err)
	}
	tests := map[string]func(*genConfig){
		"emptyOut":  func(c *genConfig) { c.outDir = "" },
		"noFiles":   func(c *genConfig) { c.files = 0 },
		"noRows":    func(c *genConfig) { c.rows = -1 },
		"badProb":   func(c *genConfig) { c.probability = 1.5 },
		"badFormat": func(c *genConfig) { c.logFormat = "xml" },
	}
	for name, mod := range tests {
		c := ok
		mod(&c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
