package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultListenAddress = ":9879"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultSysfsRoot     = "/sys"
	defaultTimeout       = 5 * time.Second

	defaultEagerMaxSize      = 8 << 10 // spec.md §9: eager at/below, rendezvous above
	defaultRoundRobinThresh  = 128 << 10
	defaultMinPostedBuffers  = 8
	defaultMaxPostedBuffers  = 16
	defaultMRKeyBits         = 24
	defaultCQReadCount       = 64
	defaultNICDuplicateCount = 1
	defaultProtocol          = "RDMA"
	defaultMaxInflightReqs   = 256
	defaultRailNames         = "rail0"
	defaultRailsPerDevice    = 1
)

// Protocol selects the wire protocol a communicator negotiates.
type Protocol string

const (
	ProtocolSendRecv Protocol = "SENDRECV"
	ProtocolRDMA     Protocol = "RDMA"
)

// Config captures runtime configuration options: the ambient HTTP/log
// surface the teacher's exporter already had, plus the engine-tuning
// knobs spec.md §6 lists as recognized environment variables.
type Config struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	SysfsRoot     string
	ScrapeTimeout time.Duration
	ShowVersion   bool

	// EagerMaxSize is the largest message size, in bytes, sent via the
	// eager path; larger messages use rendezvous.
	EagerMaxSize int
	// RoundRobinThreshold is the message size, in bytes, above which
	// the scheduler stripes a message across every rail instead
	// of assigning it to one rail round-robin.
	RoundRobinThreshold int
	// MinPostedBuffers/MaxPostedBuffers bound how many bounce buffers
	// the pump keeps posted per rail.
	MinPostedBuffers int
	MaxPostedBuffers int
	// MRKeyBits sizes the memory-registration key id space.
	MRKeyBits int
	// CQReadCount bounds how many completions a single progress call
	// drains from one rail's completion queue.
	CQReadCount int
	// NICDuplicateCount virtualizes each physical NIC into this many
	// rails, for testing multi-rail striping on single-NIC hardware.
	NICDuplicateCount int
	// MaxInflightRequests bounds the number of in-flight SEND or RECV
	// requests a single communicator may track concurrently (spec.md
	// §4.8/§4.9's MAX_SEND_REQUESTS/MAX_REQUESTS ceiling).
	MaxInflightRequests int
	// TopologyFilePath is a template for where to write the discovered
	// topology as XML; empty disables writing regardless of
	// WriteTopologyFile.
	TopologyFilePath  string
	WriteTopologyFile bool
	// CudaFlushEnable/GDRFlushDisable steer whether flush() issues a
	// real CUDA memory fence or a GPUDirect RDMA flush-avoidance path.
	CudaFlushEnable  bool
	GDRFlushDisable  bool
	// Protocol is the negotiated communicator protocol.
	Protocol Protocol

	// RailNames lists the sysfs RDMA device names the engine groups
	// into logical devices; topology.GroupRails never discovers these
	// on its own (spec.md §1 Non-goals), so the caller (here, flags/env)
	// must name them.
	RailNames []string
	// RailsPerDevice is how many consecutive entries of RailNames form
	// one logical device (spec §2 "Device... one set of per-rail
	// handles").
	RailsPerDevice int
}

// Parse constructs a Config from command-line flags and environment
// variables, the same override order as the teacher's exporter:
// command-line flags win, falling back to OFI_RAIL_* environment
// variables, falling back to a compiled-in default.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("railctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen-address", envOrDefault("OFI_RAIL_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for HTTP requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("OFI_RAIL_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("OFI_RAIL_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("OFI_RAIL_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	sysfsRoot := fs.String("sysfs-root", envOrDefault("OFI_RAIL_SYSFS_ROOT", defaultSysfsRoot), "Root of the sysfs tree to read rail topology from.")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("OFI_RAIL_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid OFI_RAIL_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	eagerMaxSize := fs.Int("eager-max-size", envIntOrDefault("OFI_RAIL_EAGER_MAX_SIZE", defaultEagerMaxSize), "Largest message size, in bytes, sent via the eager path.")
	roundRobinThresh := fs.Int("round-robin-threshold", envIntOrDefault("OFI_RAIL_ROUND_ROBIN_THRESHOLD", defaultRoundRobinThresh), "Message size, in bytes, above which a message is striped across every rail.")
	minPosted := fs.Int("min-posted-buffers", envIntOrDefault("OFI_RAIL_MIN_POSTED_BUFFERS", defaultMinPostedBuffers), "Minimum bounce buffers kept posted per rail.")
	maxPosted := fs.Int("max-posted-buffers", envIntOrDefault("OFI_RAIL_MAX_POSTED_BUFFERS", defaultMaxPostedBuffers), "Maximum bounce buffers kept posted per rail.")
	mrKeyBits := fs.Int("mr-key-bits", envIntOrDefault("OFI_RAIL_MR_KEY_BITS", defaultMRKeyBits), "Width, in bits, of the memory-registration key id space.")
	cqReadCount := fs.Int("cq-read-count", envIntOrDefault("OFI_RAIL_CQ_READ_COUNT", defaultCQReadCount), "Completions drained from one rail's CQ per progress call.")
	nicDupCount := fs.Int("nic-duplicate-count", envIntOrDefault("OFI_RAIL_NIC_DUPLICATE_COUNT", defaultNICDuplicateCount), "Number of virtual rails to create per physical NIC.")
	maxInflightReqs := fs.Int("max-inflight-requests", envIntOrDefault("OFI_RAIL_MAX_INFLIGHT_REQUESTS", defaultMaxInflightReqs), "Maximum in-flight SEND or RECV requests tracked per communicator.")
	topoFilePath := fs.String("topology-file", envOrDefault("OFI_RAIL_TOPO_FILE", ""), "Template path to write the discovered topology as XML.")
	writeTopoFile := fs.Bool("write-topology-file", envBoolOrDefault("OFI_RAIL_WRITE_TOPO_FILE", false), "Write the discovered topology to --topology-file at startup.")
	cudaFlush := fs.Bool("cuda-flush", envBoolOrDefault("OFI_RAIL_CUDA_FLUSH", false), "Issue a CUDA memory fence as part of flush().")
	gdrFlushDisable := fs.Bool("disable-gdr-flush", envBoolOrDefault("OFI_RAIL_DISABLE_GDR_FLUSH", false), "Disable the GPUDirect RDMA flush-avoidance path, forcing a real flush read.")
	protocol := fs.String("protocol", envOrDefault("OFI_RAIL_PROTOCOL", defaultProtocol), "Wire protocol a communicator negotiates (SENDRECV or RDMA).")
	railNames := fs.String("rails", envOrDefault("OFI_RAIL_RAILS", defaultRailNames), "Comma-separated sysfs RDMA device names to group into logical devices.")
	railsPerDevice := fs.Int("rails-per-device", envIntOrDefault("OFI_RAIL_RAILS_PER_DEVICE", defaultRailsPerDevice), "Number of consecutive --rails entries grouped into one logical device.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}
	proto, err := parseProtocol(*protocol)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		LogLevel:      level,
		SysfsRoot:     *sysfsRoot,
		ScrapeTimeout: *scrapeTimeout,
		ShowVersion:   *showVersion,

		EagerMaxSize:        *eagerMaxSize,
		RoundRobinThreshold: *roundRobinThresh,
		MinPostedBuffers:    *minPosted,
		MaxPostedBuffers:    *maxPosted,
		MRKeyBits:           *mrKeyBits,
		CQReadCount:         *cqReadCount,
		NICDuplicateCount:   *nicDupCount,
		MaxInflightRequests: *maxInflightReqs,
		TopologyFilePath:    *topoFilePath,
		WriteTopologyFile:   *writeTopoFile,
		CudaFlushEnable:     *cudaFlush,
		GDRFlushDisable:     *gdrFlushDisable,
		Protocol:            proto,
		RailNames:           splitRailNames(*railNames),
		RailsPerDevice:      *railsPerDevice,
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects combinations that would misbehave rather than fail
// loudly later (spec.md §7 favors rejecting bad configuration up
// front over a confusing runtime error).
func (cfg Config) Validate() error {
	if cfg.EagerMaxSize < 0 {
		return fmt.Errorf("config: eager-max-size must be >= 0, got %d", cfg.EagerMaxSize)
	}
	if cfg.MinPostedBuffers <= 0 || cfg.MaxPostedBuffers <= 0 {
		return fmt.Errorf("config: min/max-posted-buffers must be > 0, got %d/%d", cfg.MinPostedBuffers, cfg.MaxPostedBuffers)
	}
	if cfg.MinPostedBuffers > cfg.MaxPostedBuffers {
		return fmt.Errorf("config: min-posted-buffers (%d) must be <= max-posted-buffers (%d)", cfg.MinPostedBuffers, cfg.MaxPostedBuffers)
	}
	if cfg.MRKeyBits <= 0 || cfg.MRKeyBits > 32 {
		return fmt.Errorf("config: mr-key-bits must be in (0,32], got %d", cfg.MRKeyBits)
	}
	if cfg.CQReadCount <= 0 {
		return fmt.Errorf("config: cq-read-count must be > 0, got %d", cfg.CQReadCount)
	}
	if cfg.NICDuplicateCount <= 0 {
		return fmt.Errorf("config: nic-duplicate-count must be > 0, got %d", cfg.NICDuplicateCount)
	}
	if cfg.MaxInflightRequests <= 0 {
		return fmt.Errorf("config: max-inflight-requests must be > 0, got %d", cfg.MaxInflightRequests)
	}
	if len(cfg.RailNames) == 0 {
		return fmt.Errorf("config: rails must name at least one RDMA device")
	}
	if cfg.RailsPerDevice <= 0 {
		return fmt.Errorf("config: rails-per-device must be > 0, got %d", cfg.RailsPerDevice)
	}
	if len(cfg.RailNames)%cfg.RailsPerDevice != 0 {
		return fmt.Errorf("config: %d rails does not divide evenly into groups of %d", len(cfg.RailNames), cfg.RailsPerDevice)
	}
	if cfg.WriteTopologyFile && cfg.TopologyFilePath == "" {
		return fmt.Errorf("config: write-topology-file requires a non-empty topology-file path")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// splitRailNames parses a comma-separated rail name list, trimming
// whitespace and dropping empty entries so a trailing comma or extra
// spacing in the flag/env value doesn't produce a blank rail name.
func splitRailNames(value string) []string {
	fields := strings.Split(value, ",")
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			names = append(names, f)
		}
	}
	return names
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}

func parseProtocol(value string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", string(ProtocolRDMA):
		return ProtocolRDMA, nil
	case string(ProtocolSendRecv):
		return ProtocolSendRecv, nil
	default:
		return "", fmt.Errorf("invalid protocol %q (want SENDRECV or RDMA)", value)
	}
}
