package metrics

import (
	"testing"
	"time"
)

func TestDisabledCollectorIsNoop(t *testing.T) {
	c, err := NewCollector(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	// None of these should panic even though no registry was built.
	c.RecordFetch("hit", time.Millisecond)
	c.SetCacheOccupancy("ram", 1024)
	c.SetDirtySetSize(3)
	c.RecordLeaseOutcome("granted")
}

func TestEnabledCollectorRegistersMetrics(t *testing.T) {
	c, err := NewCollector(Config{Enabled: true, Namespace: "wormhole_test"})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.RecordFetch("hit", 5*time.Millisecond)
	c.SetCacheOccupancy("disk", 2048)
	c.RecordLeaseOutcome("denied")

	families, err := c.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after recording activity")
	}
}
