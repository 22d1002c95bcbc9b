package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	BusRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rounds_total",
		Help: "Total bus rounds resolved with at least one contender.",
	})
	BusCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_collisions_total",
		Help: "Total rounds with more than one contender.",
	})
	BusBitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_bit_errors_total",
		Help: "Total bit errors detected after equal-id arbitration.",
	})
	BusErrorFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_error_flags_total",
		Help: "Error flags asserted on the bus by kind.",
	}, []string{"kind"})
	BusDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_delivered_frames_total",
		Help: "Total frames delivered by the arbitration engine.",
	})
	NodeModeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_mode_changes_total",
		Help: "Fault confinement transitions by target mode.",
	}, []string{"mode"})
	NodeTEC = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_tec",
		Help: "Most recent transmit error counter per node name.",
	}, []string{"node"})
	SimRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_runs_total",
		Help: "Completed simulation runs by outcome.",
	}, []string{"outcome"})
	TapRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_rx_frames_total",
		Help: "Total frames injected by bus tap clients.",
	})
	TapTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_frames_total",
		Help: "Total delivered frames sent to bus tap clients.",
	})
	SinkTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_tx_frames_total",
		Help: "Delivered frames replayed to hardware sinks.",
	}, []string{"sink"})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total items dropped by a hub due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total tap connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active subscribers.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrInject         = "inject"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrRecord         = "record_write"
)

// Sink label values.
const (
	SinkSerial    = "serial"
	SinkSocketCAN = "socketcan"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRounds     uint64
	localCollisions uint64
	localBitErrors  uint64
	localActive     uint64
	localPassive    uint64
	localDelivered  uint64
	localBusOff     uint64
	localRuns       uint64
	localTapRx      uint64
	localTapTx      uint64
	localSinkTx     uint64
	localHubDrop    uint64
	localErrors     uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rounds       uint64
	Collisions   uint64
	BitErrors    uint64
	ActiveFlags  uint64
	PassiveFlags uint64
	Delivered    uint64
	BusOffs      uint64
	Runs         uint64
	TapRx        uint64
	TapTx        uint64
	SinkTx       uint64
	HubDrops     uint64
	Errors       uint64 // sum across error labels
	Malformed    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rounds:       atomic.LoadUint64(&localRounds),
		Collisions:   atomic.LoadUint64(&localCollisions),
		BitErrors:    atomic.LoadUint64(&localBitErrors),
		ActiveFlags:  atomic.LoadUint64(&localActive),
		PassiveFlags: atomic.LoadUint64(&localPassive),
		Delivered:    atomic.LoadUint64(&localDelivered),
		BusOffs:      atomic.LoadUint64(&localBusOff),
		Runs:         atomic.LoadUint64(&localRuns),
		TapRx:        atomic.LoadUint64(&localTapRx),
		TapTx:        atomic.LoadUint64(&localTapTx),
		SinkTx:       atomic.LoadUint64(&localSinkTx),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		Errors:       atomic.LoadUint64(&localErrors),
		Malformed:    atomic.LoadUint64(&localMalformed),
	}
}

// ObserveEvent is a bus.Observer feeding the engine event stream into the
// counters above. Safe to share between concurrently running engines.
func ObserveEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.EventCollision:
		BusCollisions.Inc()
		atomic.AddUint64(&localCollisions, 1)
	case bus.EventBitError:
		BusBitErrors.Inc()
		atomic.AddUint64(&localBitErrors, 1)
	case bus.EventErrorFlag:
		BusErrorFlags.WithLabelValues(ev.Flag.String()).Inc()
		if ev.Flag == can.FlagActive {
			atomic.AddUint64(&localActive, 1)
		} else {
			atomic.AddUint64(&localPassive, 1)
		}
	case bus.EventCounter:
		NodeTEC.WithLabelValues(ev.Node).Set(float64(ev.TECAfter))
	case bus.EventModeChange:
		NodeModeChanges.WithLabelValues(ev.Mode.String()).Inc()
		if ev.Mode == fault.BusOff {
			atomic.AddUint64(&localBusOff, 1)
		}
	case bus.EventDelivered:
		BusRounds.Inc()
		BusDelivered.Inc()
		atomic.AddUint64(&localRounds, 1)
		atomic.AddUint64(&localDelivered, 1)
	}
}

// IncRun records a finished simulation run.
func IncRun(busOff bool) {
	outcome := "survived"
	if busOff {
		outcome = "bus_off"
	}
	SimRuns.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&localRuns, 1)
}

func IncTapRx() {
	TapRxFrames.Inc()
	atomic.AddUint64(&localTapRx, 1)
}

func AddTapTx(n int) {
	TapTxFrames.Add(float64(n))
	atomic.AddUint64(&localTapTx, uint64(n))
}

// IncSinkTx counts one frame replayed to the given sink.
func IncSinkTx(sink string) {
	SinkTxFrames.WithLabelValues(sink).Inc()
	atomic.AddUint64(&localSinkTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick()   { HubKickedClients.Inc() }
func IncHubReject() { HubRejectedClients.Inc() }

func SetHubClients(n int) { HubActiveClients.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrInject,
		ErrSerialWrite, ErrSerialOverflow,
		ErrSocketCANWrite, ErrSocketCANOver, ErrRecord,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, k := range []can.FlagKind{can.FlagActive, can.FlagPassive} {
		BusErrorFlags.WithLabelValues(k.String()).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
