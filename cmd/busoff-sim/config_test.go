package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		runs: 1, workers: 1, seed: 1, maxAttempts: 200, tieBreak: "dlc",
		logFormat: "text", logLevel: "info", stepInterval: 100 * time.Millisecond,
		injectQueue: 16, listenAddr: ":20000", hubBuffer: 8, hubPolicy: "drop",
		handshakeTO: time.Second, clientReadTO: time.Second, baud: 115200,
		explicit: map[string]struct{}{},
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := baseConfig()
	c.live, c.serialDev, c.canIf = true, "/dev/ttyUSB0", "vcan0"
	if err := c.validate(); err != nil {
		t.Fatalf("live sinks should validate: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badTieBreak", func(c *appConfig) { c.tieBreak = "crc" }},
		{"badRuns", func(c *appConfig) { c.runs = 0 }},
		{"badWorkers", func(c *appConfig) { c.workers = 0 }},
		{"badAttempts", func(c *appConfig) { c.maxAttempts = 0 }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badInjectQueue", func(c *appConfig) { c.injectQueue = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badStep", func(c *appConfig) { c.stepInterval = -time.Second }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"sinkWithoutLive", func(c *appConfig) { c.canIf = "vcan0" }},
		{"liveWithRuns", func(c *appConfig) { c.live = true; c.runs = 5; c.explicit["runs"] = struct{}{} }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigScenario_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sc.yaml")
	if err := os.WriteFile(path, []byte("runs: 40\nworkers: 4\nseed: 9\nattack:\n  max_attempts: 50\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := baseConfig()
	c.scenarioPath = path
	sc, err := c.scenario()
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if sc.Runs != 40 || sc.Workers != 4 || sc.Seed != 9 || sc.Attack.MaxAttempts != 50 {
		t.Fatalf("file values should stand without explicit flags: %+v", sc)
	}
	c.runs = 3
	c.explicit["runs"] = struct{}{}
	sc, err = c.scenario()
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if sc.Runs != 3 || sc.Workers != 4 {
		t.Fatalf("explicit -runs should win: %+v", sc)
	}
	c.live = true
	if sc, _ = c.scenario(); sc.Runs != 1 || sc.Workers != 1 {
		t.Fatalf("live forces a single run: %+v", sc)
	}
}

func TestConfigScenario_DefaultsFromFlags(t *testing.T) {
	c := baseConfig()
	c.runs, c.workers, c.seed, c.tieBreak = 10, 2, 77, "id"
	sc, err := c.scenario()
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if sc.Runs != 10 || sc.Workers != 2 || sc.Seed != 77 || sc.TieBreak != "id" {
		t.Fatalf("flags not applied without scenario file: %+v", sc)
	}
	c.scenarioPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := c.scenario(); err == nil {
		t.Fatalf("expected error for missing scenario file")
	}
}
