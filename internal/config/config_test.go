package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected listen address %q, got %q", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.MetricsPath != defaultMetricsPath {
		t.Fatalf("expected metrics path %q, got %q", defaultMetricsPath, cfg.MetricsPath)
	}
	if cfg.LogLevel != defaultLogLevelValue() {
		t.Fatalf("expected log level info, got %v", cfg.LogLevel)
	}
	if cfg.ScrapeTimeout != defaultTimeout {
		t.Fatalf("expected scrape timeout %v, got %v", defaultTimeout, cfg.ScrapeTimeout)
	}
	if cfg.EagerMaxSize != defaultEagerMaxSize {
		t.Fatalf("expected eager max size %d, got %d", defaultEagerMaxSize, cfg.EagerMaxSize)
	}
	if cfg.RoundRobinThreshold != defaultRoundRobinThresh {
		t.Fatalf("expected round-robin threshold %d, got %d", defaultRoundRobinThresh, cfg.RoundRobinThreshold)
	}
	if cfg.MinPostedBuffers != defaultMinPostedBuffers || cfg.MaxPostedBuffers != defaultMaxPostedBuffers {
		t.Fatalf("expected posted buffers %d/%d, got %d/%d", defaultMinPostedBuffers, defaultMaxPostedBuffers, cfg.MinPostedBuffers, cfg.MaxPostedBuffers)
	}
	if cfg.MRKeyBits != defaultMRKeyBits {
		t.Fatalf("expected mr key bits %d, got %d", defaultMRKeyBits, cfg.MRKeyBits)
	}
	if cfg.CQReadCount != defaultCQReadCount {
		t.Fatalf("expected cq read count %d, got %d", defaultCQReadCount, cfg.CQReadCount)
	}
	if cfg.NICDuplicateCount != defaultNICDuplicateCount {
		t.Fatalf("expected nic duplicate count %d, got %d", defaultNICDuplicateCount, cfg.NICDuplicateCount)
	}
	if cfg.MaxInflightRequests != defaultMaxInflightReqs {
		t.Fatalf("expected max inflight requests %d, got %d", defaultMaxInflightReqs, cfg.MaxInflightRequests)
	}
	if len(cfg.RailNames) != 1 || cfg.RailNames[0] != defaultRailNames {
		t.Fatalf("expected rail names [%q], got %v", defaultRailNames, cfg.RailNames)
	}
	if cfg.RailsPerDevice != defaultRailsPerDevice {
		t.Fatalf("expected rails per device %d, got %d", defaultRailsPerDevice, cfg.RailsPerDevice)
	}
	if cfg.WriteTopologyFile {
		t.Fatalf("expected write-topology-file to be false by default")
	}
	if cfg.CudaFlushEnable {
		t.Fatalf("expected cuda-flush to be false by default")
	}
	if cfg.GDRFlushDisable {
		t.Fatalf("expected disable-gdr-flush to be false by default")
	}
	if cfg.Protocol != ProtocolRDMA {
		t.Fatalf("expected protocol RDMA by default, got %q", cfg.Protocol)
	}
	if cfg.ShowVersion {
		t.Fatalf("expected show version to be false by default")
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("OFI_RAIL_LISTEN_ADDRESS", "127.0.0.1:9999")
	t.Setenv("OFI_RAIL_SCRAPE_TIMEOUT", "2s")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:9999" {
		t.Fatalf("expected listen address to come from env, got %q", cfg.ListenAddress)
	}
	if cfg.ScrapeTimeout != 2*time.Second {
		t.Fatalf("expected scrape timeout 2s, got %v", cfg.ScrapeTimeout)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("OFI_RAIL_LISTEN_ADDRESS", "127.0.0.1:9999")

	cfg, err := Parse([]string{"-listen-address", "0.0.0.0:1234"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:1234" {
		t.Fatalf("expected listen address from flag, got %q", cfg.ListenAddress)
	}
}

func TestEagerMaxSizeFromEnvAndFlag(t *testing.T) {
	t.Setenv("OFI_RAIL_EAGER_MAX_SIZE", "4096")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.EagerMaxSize != 4096 {
		t.Fatalf("expected eager max size 4096 from env, got %d", cfg.EagerMaxSize)
	}

	cfg, err = Parse([]string{"--eager-max-size", "2048"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.EagerMaxSize != 2048 {
		t.Fatalf("expected flag to win over env, got %d", cfg.EagerMaxSize)
	}
}

func TestProtocolSelection(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]string{"--protocol", "sendrecv"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Protocol != ProtocolSendRecv {
		t.Fatalf("expected protocol SENDRECV, got %q", cfg.Protocol)
	}
}

func TestProtocolRejectsUnknownValue(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--protocol", "CARRIER_PIGEON"}); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestWriteTopologyFileRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--write-topology-file"}); err == nil {
		t.Fatalf("expected error when write-topology-file is set without --topology-file")
	}

	cfg, err := Parse([]string{"--write-topology-file", "--topology-file", "/tmp/topo.xml"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !cfg.WriteTopologyFile || cfg.TopologyFilePath != "/tmp/topo.xml" {
		t.Fatalf("expected topology file writing enabled with path, got %+v", cfg)
	}
}

func TestMinExceedsMaxPostedBuffersRejected(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--min-posted-buffers", "32", "--max-posted-buffers", "16"}); err == nil {
		t.Fatalf("expected error when min-posted-buffers exceeds max-posted-buffers")
	}
}

func TestMRKeyBitsOutOfRangeRejected(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--mr-key-bits", "0"}); err == nil {
		t.Fatalf("expected error for mr-key-bits of 0")
	}
	if _, err := Parse([]string{"--mr-key-bits", "64"}); err == nil {
		t.Fatalf("expected error for mr-key-bits above 32")
	}
}

func TestMaxInflightRequestsRejectsZero(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--max-inflight-requests", "0"}); err == nil {
		t.Fatalf("expected error for max-inflight-requests of 0")
	}
}

func TestRailsParsesCommaSeparatedList(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]string{"--rails", "mlx5_0, mlx5_1,mlx5_2", "--rails-per-device", "3"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	want := []string{"mlx5_0", "mlx5_1", "mlx5_2"}
	if len(cfg.RailNames) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.RailNames)
	}
	for i := range want {
		if cfg.RailNames[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.RailNames)
		}
	}
}

func TestRailsPerDeviceMustDivideEvenly(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]string{"--rails", "mlx5_0,mlx5_1,mlx5_2", "--rails-per-device", "2"}); err == nil {
		t.Fatalf("expected error when rail count does not divide evenly into groups")
	}
}

func TestInvalidDurationFromEnv(t *testing.T) {
	t.Setenv("OFI_RAIL_SCRAPE_TIMEOUT", "notaduration")

	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestVersionFlag(t *testing.T) {
	cfg, err := Parse([]string{"--version"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatalf("expected show version to be true when flag is set")
	}
}

func defaultLogLevelValue() slog.Level {
	lvl, _ := parseLogLevel(defaultLogLevel)
	return lvl
}
