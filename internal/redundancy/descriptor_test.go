package redundancy

import (
	"sync"
	"testing"

	"github.com/launix-de/scr-go/internal/group"
)

func TestGetForDatasetPicksLargestDividingInterval(t *testing.T) {
	descs := []*Descriptor{
		{Interval: 1, Enabled: true},
		{Interval: 10, Enabled: true},
		{Interval: 5, Enabled: true},
		{Interval: 100, Enabled: false},
	}
	got := GetForDataset(20, descs)
	if got == nil || got.Interval != 10 {
		t.Fatalf("GetForDataset(20) = %+v, want interval 10", got)
	}
	got = GetForDataset(7, descs)
	if got == nil || got.Interval != 1 {
		t.Fatalf("GetForDataset(7) = %+v, want interval 1", got)
	}
}

func TestGetForDatasetNoneMatch(t *testing.T) {
	descs := []*Descriptor{{Interval: 5, Enabled: true}}
	if got := GetForDataset(3, descs); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func fixedHostname(h string) func() (string, error) {
	return func() (string, error) { return h, nil }
}

func TestCreateFromConfigPartnerStaysEnabledOnDistinctHosts(t *testing.T) {
	hosts := []string{"node-a", "node-b", "node-c", "node-d"}

	const n = 4
	world := group.NewWorld(n)
	var wg sync.WaitGroup
	wg.Add(n)
	descs := make([]*Descriptor, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(g group.Group, i int) {
			defer wg.Done()
			descs[i], errs[i] = createFromConfig(Config{Scheme: SchemePartner}, g, g, fixedHostname(hosts[i]))
		}(world[i], i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", i, err)
		}
		if !descs[i].Enabled {
			t.Fatalf("rank %d: expected enabled on distinct hosts", i)
		}
	}
}

func TestCreateFromConfigPartnerDisablesOnHostCollision(t *testing.T) {
	// Ranks 0 and 1 share a host; the group is a ring of size 2 under
	// Partner, so that collision must disable every rank collectively.
	hosts := []string{"node-x", "node-x"}

	const n = 2
	world := group.NewWorld(n)
	var wg sync.WaitGroup
	wg.Add(n)
	descs := make([]*Descriptor, n)
	for i := 0; i < n; i++ {
		go func(g group.Group, i int) {
			defer wg.Done()
			d, err := createFromConfig(Config{Scheme: SchemePartner}, g, g, fixedHostname(hosts[i]))
			if err != nil {
				t.Errorf("rank %d: %v", i, err)
				return
			}
			descs[i] = d
		}(world[i], i)
	}
	wg.Wait()
	for i, d := range descs {
		if d == nil {
			continue
		}
		if d.Enabled {
			t.Fatalf("rank %d: expected disabled on host collision", i)
		}
	}
}
