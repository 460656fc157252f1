package device

import (
	"testing"

	"github.com/railfabric/ofi-rail/internal/fabric/loopback"
	"github.com/railfabric/ofi-rail/internal/topology"
)

func newTestDevice(t *testing.T, numRails int) *Device {
	t.Helper()
	rails := make([]Rail, numRails)
	for i := range rails {
		rails[i] = Rail{
			Descriptor: topology.RailDescriptor{Name: "rail"},
			Domain:     loopback.NewDomain(),
		}
	}
	dev, err := New(Config{ID: 0, Rails: rails, RoundRobinThresh: 1 << 17, MRKeyBits: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dev
}

func TestNewRejectsNoRails(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{MRKeyBits: 8}); err == nil {
		t.Fatalf("New() with zero rails succeeded, want error")
	}
}

func TestCommIDAllocationIsUniqueAndRecyclable(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 2)
	a, err := dev.AllocateCommID()
	if err != nil {
		t.Fatalf("AllocateCommID: %v", err)
	}
	b, err := dev.AllocateCommID()
	if err != nil {
		t.Fatalf("AllocateCommID: %v", err)
	}
	if a == b {
		t.Fatalf("AllocateCommID returned duplicate id %d", a)
	}
	if err := dev.ReleaseCommID(a); err != nil {
		t.Fatalf("ReleaseCommID: %v", err)
	}
	c, err := dev.AllocateCommID()
	if err != nil {
		t.Fatalf("AllocateCommID: %v", err)
	}
	if c != a {
		t.Fatalf("AllocateCommID did not reuse freed id: got %d, want %d", c, a)
	}
}

func TestEndpointRefCounting(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 1)
	if got := dev.AcquireEndpointRef(); got != 1 {
		t.Fatalf("AcquireEndpointRef() = %d, want 1", got)
	}
	if got := dev.AcquireEndpointRef(); got != 2 {
		t.Fatalf("AcquireEndpointRef() = %d, want 2", got)
	}
	if remaining := dev.ReleaseEndpointRef(); remaining != 1 {
		t.Fatalf("ReleaseEndpointRef() = %d, want 1", remaining)
	}
	if remaining := dev.ReleaseEndpointRef(); remaining != 0 {
		t.Fatalf("ReleaseEndpointRef() = %d, want 0", remaining)
	}
}

func TestRailOutOfRangeIsError(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 2)
	if _, err := dev.Rail(5); err == nil {
		t.Fatalf("Rail(5) succeeded, want error")
	}
	if _, err := dev.Rail(-1); err == nil {
		t.Fatalf("Rail(-1) succeeded, want error")
	}
}

func TestCloseClosesAllRailDomains(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 3)
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
