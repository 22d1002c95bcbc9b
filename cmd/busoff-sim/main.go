package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/cnl"
	"github.com/kstaniek/can-busoff-sim/internal/metrics"
	"github.com/kstaniek/can-busoff-sim/internal/record"
	"github.com/kstaniek/can-busoff-sim/internal/server"
	"github.com/kstaniek/can-busoff-sim/internal/sim"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

const shutdownTimeout = 2 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("busoff-sim %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l, os.Stdout); err != nil {
		l.Error("busoff_sim_error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger, out io.Writer) error {
	sc, err := cfg.scenario()
	if err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	pool, err := sim.LoadPool(sc.Victim.Trace, sc.Seed)
	if err != nil {
		return fmt.Errorf("victim pool: %w", err)
	}
	l.Info("scenario", "name", sc.Name, "runs", sc.Runs, "workers", sc.Workers, "seed", sc.Seed,
		"tie_break", sc.TieBreak, "pool", len(pool), "live", cfg.live)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	observers, closeRecord, err := openRecord(cfg, l)
	if err != nil {
		return err
	}
	defer closeRecord()

	if cfg.live {
		return runLive(ctx, cfg, sc, pool, observers, l, out)
	}
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	b := &sim.Batch{
		Scenario:  sc,
		Pool:      pool,
		Logger:    l,
		Observers: observers,
		OnResult: func(r sim.RunResult, err error) {
			if err != nil {
				l.Warn("run_failed", "run", r.Run, "error", err)
				return
			}
			l.Debug("run_result", "run", r.Run, "bus_off", r.BusOff, "attempts", r.Attempts,
				"victim_tec", r.VictimTEC, "attacker_tec", r.AttackerTEC)
		},
	}
	results, sum, err := b.Run(ctx)
	printSummary(out, sc, results, sum)
	if errors.Is(err, context.Canceled) {
		l.Info("shutdown_signal")
		return nil
	}
	return err
}

// openRecord opens the CBOR event record when configured and returns the
// per-run observer factory for it.
func openRecord(cfg *appConfig, l *slog.Logger) (func(run int) []bus.Observer, func(), error) {
	obs := []bus.Observer{metrics.ObserveEvent}
	if cfg.recordPath == "" {
		return func(int) []bus.Observer { return obs }, func() {}, nil
	}
	f, err := os.Create(cfg.recordPath)
	if err != nil {
		return nil, func() {}, fmt.Errorf("record: %w", err)
	}
	w := record.NewWriter(f)
	var once sync.Once
	onErr := func(err error) {
		metrics.IncError(metrics.ErrRecord)
		once.Do(func() { l.Error("record_write_error", "error", err) })
	}
	factory := func(run int) []bus.Observer {
		return []bus.Observer{metrics.ObserveEvent, w.Observer(run, onErr)}
	}
	closeFn := func() {
		if err := w.Close(); err != nil {
			l.Error("record_close_error", "error", err)
		}
		_ = f.Close()
		l.Info("record_written", "path", cfg.recordPath, "records", w.Count())
	}
	return factory, closeFn, nil
}

// runLive performs one paced run while the bus tap streams delivered frames
// and replay sinks mirror them to hardware.
func runLive(ctx context.Context, cfg *appConfig, sc sim.Scenario, pool []can.Frame, observers func(int) []bus.Observer, l *slog.Logger, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks, cleanupSinks, err := initSinks(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("sinks: %w", err)
	}
	defer cleanupSinks()

	var srv *server.Server
	var driver *sim.Driver
	if cfg.listenAddr != "" {
		h := initHub(cfg, l)
		srv = server.NewServer(
			server.WithHub(h),
			server.WithCodec(&cnl.Codec{}),
			server.WithInject(func(fr can.Frame) error { return driver.Inject(fr) }),
			server.WithLogger(l),
			server.WithMaxClients(cfg.maxClients),
			server.WithHandshakeTimeout(cfg.handshakeTO),
			server.WithReadDeadline(cfg.clientReadTO),
			server.WithListenAddr(cfg.listenAddr),
		)
		sinks = append(transport.Fanout{srv}, sinks...)
	}

	opts := []sim.DriverOption{
		sim.WithRunLogger(l),
		sim.WithPace(cfg.stepInterval),
		sim.WithInjectQueue(cfg.injectQueue),
	}
	if len(sinks) > 0 {
		opts = append(opts, sim.WithSink(sinks))
	}
	for _, o := range observers(1) {
		opts = append(opts, sim.WithEngineOptions(bus.WithObserver(o)))
	}
	driver, err = sim.NewDriver(sc, 1, pool, sc.Seed+1, opts...)
	if err != nil {
		return err
	}

	if srv != nil {
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tap_server_error", "error", err)
				cancel()
			}
		}()
		go advertise(ctx, cfg, sc.Name, srv, l)
		metrics.SetReadinessFunc(func() bool {
			select {
			case <-srv.Ready():
			default:
				return false
			}
			return ctx.Err() == nil
		})
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				l.Warn("tap_shutdown_error", "error", err)
			}
		}()
	}

	res, err := driver.Run(ctx)
	printSummary(out, sc, []sim.RunResult{res}, sim.Summarize([]sim.RunResult{res}, []error{err}))
	if err == nil {
		metrics.IncRun(res.BusOff)
	}
	if errors.Is(err, context.Canceled) {
		l.Info("shutdown_signal")
		return nil
	}
	return err
}

// advertise starts mDNS once the tap listener is bound.
func advertise(ctx context.Context, cfg *appConfig, scenario string, srv *server.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := srv.Port()
	cleanupMDNS, err := startMDNS(ctx, cfg, scenario, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "port", port)
	<-ctx.Done()
	cleanupMDNS()
}

func printSummary(w io.Writer, sc sim.Scenario, results []sim.RunResult, sum sim.Summary) {
	fmt.Fprintf(w, "scenario %s: %d runs, %d bus-off (%.1f%%), %d without pattern, %d failed, mean attempts %.1f\n",
		sc.Name, sum.Runs, sum.BusOffs, 100*sum.BusOffRate, sum.NoPattern, sum.Failed, sum.MeanAttempts)
	if len(results) == 1 {
		r := results[0]
		fmt.Fprintf(w, "run %d: target %s bus_off=%v attempts=%d victim_tec=%d (%s) attacker_tec=%d (%s) delivered=%d\n",
			r.Run, r.Target, r.BusOff, r.Attempts, r.VictimTEC, r.VictimMode, r.AttackerTEC, r.AttackerMode, r.Delivered)
	}
}
