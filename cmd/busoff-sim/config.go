package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/sim"
)

type appConfig struct {
	scenarioPath    string
	tracePath       string
	runs            int
	workers         int
	seed            int64
	maxAttempts     int
	tieBreak        string
	recordPath      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	live            bool
	stepInterval    time.Duration
	injectQueue     int
	listenAddr      string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	serialDev       string
	baud            int
	canIf           string

	// explicit holds flags set on the command line or via environment; only
	// those override the scenario file.
	explicit map[string]struct{}
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.StringVar(&cfg.scenarioPath, "scenario", "", "YAML scenario file (defaults apply when empty)")
	flag.StringVar(&cfg.tracePath, "trace", "", "CSV trace supplying the victim's non-periodic frames")
	flag.IntVar(&cfg.runs, "runs", 1, "Number of independent runs")
	flag.IntVar(&cfg.workers, "workers", 1, "Parallel workers for batch runs")
	flag.Int64Var(&cfg.seed, "seed", 1, "Base random seed; run i uses seed+i")
	flag.IntVar(&cfg.maxAttempts, "max-attempts", 200, "Attack injections before giving up")
	flag.StringVar(&cfg.tieBreak, "tie-break", "dlc", "Field compared between equal ids: dlc|id")
	flag.StringVar(&cfg.recordPath, "record", "", "Write the engine event stream as CBOR to this file")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	flag.BoolVar(&cfg.live, "live", false, "Single paced run with the bus tap and replay sinks")
	flag.DurationVar(&cfg.stepInterval, "step-interval", 100*time.Millisecond, "Wall-clock duration of one step in live mode")
	flag.IntVar(&cfg.injectQueue, "inject-queue", 256, "Frames buffered from tap clients between steps")
	flag.StringVar(&cfg.listenAddr, "listen", ":20000", "Bus tap TCP listen address in live mode; empty disables")
	flag.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	flag.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	flag.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous tap clients (0 = unlimited)")
	flag.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	flag.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the bus tap via mDNS")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default busoff-sim-<hostname>)")
	flag.StringVar(&cfg.serialDev, "serial", "", "Replay delivered frames to this serial adapter in live mode")
	flag.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	flag.StringVar(&cfg.canIf, "can-if", "", "Replay delivered frames to this SocketCAN interface in live mode (e.g. vcan0)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	cfg.explicit = map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { cfg.explicit[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, cfg.explicit); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not open files, devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if _, err := sim.ParseField(c.tieBreak); err != nil {
		return fmt.Errorf("invalid tie-break: %w", err)
	}
	if c.runs <= 0 {
		return fmt.Errorf("runs must be > 0 (got %d)", c.runs)
	}
	if c.workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.workers)
	}
	if c.maxAttempts <= 0 {
		return fmt.Errorf("max-attempts must be > 0 (got %d)", c.maxAttempts)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.injectQueue <= 0 {
		return fmt.Errorf("inject-queue must be > 0 (got %d)", c.injectQueue)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.stepInterval < 0 {
		return fmt.Errorf("step-interval must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if !c.live && (c.serialDev != "" || c.canIf != "") {
		return errors.New("serial and can-if sinks require -live")
	}
	if c.live && c.isSet("runs") && c.runs != 1 {
		return errors.New("-live runs exactly one simulation")
	}
	return nil
}

func (c *appConfig) isSet(name string) bool {
	_, ok := c.explicit[name]
	return ok
}

// scenario loads the scenario file (or the defaults) and applies the
// explicitly set flags on top.
func (c *appConfig) scenario() (sim.Scenario, error) {
	sc := sim.DefaultScenario()
	if c.scenarioPath != "" {
		var err error
		if sc, err = sim.LoadScenario(c.scenarioPath); err != nil {
			return sim.Scenario{}, err
		}
	}
	if c.scenarioPath == "" || c.isSet("runs") {
		sc.Runs = c.runs
	}
	if c.scenarioPath == "" || c.isSet("workers") {
		sc.Workers = c.workers
	}
	if c.scenarioPath == "" || c.isSet("seed") {
		sc.Seed = c.seed
	}
	if c.scenarioPath == "" || c.isSet("max-attempts") {
		sc.Attack.MaxAttempts = c.maxAttempts
	}
	if c.scenarioPath == "" || c.isSet("tie-break") {
		sc.TieBreak = c.tieBreak
	}
	if c.isSet("trace") {
		sc.Victim.Trace = c.tracePath
	}
	if c.live {
		sc.Runs, sc.Workers = 1, 1
	}
	return sc, sc.Validate()
}

// applyEnvOverrides maps BUSOFF_SIM_* environment variables to config fields
// unless the corresponding flag was explicitly set. Applied variables are
// recorded in set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(env)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return "", false
		}
		set[flagName] = struct{}{}
		return v, true
	}
	fail := func(env string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", env, err)
		}
	}
	str := func(flagName, env string, dst *string) {
		if v, ok := get(flagName, env); ok {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if v, ok := get(flagName, env); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if v, ok := get(flagName, env); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if v, ok := get(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("scenario", "BUSOFF_SIM_SCENARIO", &c.scenarioPath)
	str("trace", "BUSOFF_SIM_TRACE", &c.tracePath)
	num("runs", "BUSOFF_SIM_RUNS", &c.runs)
	num("workers", "BUSOFF_SIM_WORKERS", &c.workers)
	if v, ok := get("seed", "BUSOFF_SIM_SEED"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.seed = n
		} else {
			fail("BUSOFF_SIM_SEED", err)
		}
	}
	num("max-attempts", "BUSOFF_SIM_MAX_ATTEMPTS", &c.maxAttempts)
	str("tie-break", "BUSOFF_SIM_TIE_BREAK", &c.tieBreak)
	str("record", "BUSOFF_SIM_RECORD", &c.recordPath)
	str("log-format", "BUSOFF_SIM_LOG_FORMAT", &c.logFormat)
	str("log-level", "BUSOFF_SIM_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "BUSOFF_SIM_METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "BUSOFF_SIM_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("live", "BUSOFF_SIM_LIVE", &c.live)
	dur("step-interval", "BUSOFF_SIM_STEP_INTERVAL", &c.stepInterval)
	num("inject-queue", "BUSOFF_SIM_INJECT_QUEUE", &c.injectQueue)
	str("listen", "BUSOFF_SIM_LISTEN", &c.listenAddr)
	num("hub-buffer", "BUSOFF_SIM_HUB_BUFFER", &c.hubBuffer)
	str("hub-policy", "BUSOFF_SIM_HUB_POLICY", &c.hubPolicy)
	num("max-clients", "BUSOFF_SIM_MAX_CLIENTS", &c.maxClients)
	dur("handshake-timeout", "BUSOFF_SIM_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "BUSOFF_SIM_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	boolean("mdns-enable", "BUSOFF_SIM_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "BUSOFF_SIM_MDNS_NAME", &c.mdnsName)
	str("serial", "BUSOFF_SIM_SERIAL", &c.serialDev)
	num("baud", "BUSOFF_SIM_BAUD", &c.baud)
	str("can-if", "BUSOFF_SIM_CAN_IF", &c.canIf)
	return firstErr
}
