// Package probe holds the catalog of named performance probes and the
// harness that runs them against a store.
package probe

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Probe ids.
const (
	Latency   = "test_latency"
	CPU       = "test_cpu"
	Memory    = "test_memory"
	DBLatency = "test_db_latency"
	DBWrite   = "test_db_write"
	DBRead    = "test_db_read"
	DBCopy    = "test_db_copy"
)

// Lifecycle operation ids, as exposed next to the probes.
const (
	SetupOp    = "setup"
	TeardownOp = "teardown"
)

// Descriptor is an immutable catalog entry.
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// UsesStore probes talk to the data store.
	UsesStore bool `json:"uses_store"`

	// RequiresSetup probes operate on the fixture table.
	RequiresSetup bool `json:"requires_setup"`

	// ExecutesRemotely is false for probes timed on the caller's side of a
	// remote harness, such as the round-trip latency probe.
	ExecutesRemotely bool `json:"executes_remotely"`

	// DefaultIterations applies when a run asks for 0 iterations.
	DefaultIterations int `json:"default_iterations"`
}

// Catalog is an ordered, immutable set of descriptors.
type Catalog struct {
	probes []Descriptor
	byID   map[string]int
}

// NewCatalog builds a catalog. Ids must be unique and non-empty.
func NewCatalog(probes ...Descriptor) (*Catalog, error) {
	c := &Catalog{
		probes: slices.Clone(probes),
		byID:   make(map[string]int, len(probes)),
	}
	for i, d := range c.probes {
		if d.ID == "" {
			return nil, fmt.Errorf("probe %d has no id", i)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate probe id %q", d.ID)
		}
		c.byID[d.ID] = i
	}
	return c, nil
}

// Default returns the built-in catalog. It is built once per process.
var Default = sync.OnceValue(func() *Catalog {
	c, err := NewCatalog(
		Descriptor{ID: Latency, Name: "Latency", ExecutesRemotely: false, DefaultIterations: 100},
		Descriptor{ID: CPU, Name: "CPU", ExecutesRemotely: true, DefaultIterations: 100},
		Descriptor{ID: Memory, Name: "Memory", ExecutesRemotely: true, DefaultIterations: 100},
		Descriptor{ID: DBLatency, Name: "DB Latency", UsesStore: true, ExecutesRemotely: true, DefaultIterations: 1000},
		Descriptor{ID: DBWrite, Name: "DB Write", UsesStore: true, RequiresSetup: true, ExecutesRemotely: true, DefaultIterations: 10},
		Descriptor{ID: DBRead, Name: "DB Read", UsesStore: true, RequiresSetup: true, ExecutesRemotely: true, DefaultIterations: 100},
		Descriptor{ID: DBCopy, Name: "DB Copy", UsesStore: true, RequiresSetup: true, ExecutesRemotely: true, DefaultIterations: 10},
	)
	if err != nil {
		panic(err)
	}
	return c
})

// List returns the descriptors in catalog order. The slice is a copy.
func (c *Catalog) List() []Descriptor {
	return slices.Clone(c.probes)
}

// Lookup finds a descriptor by id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.probes[i], true
}

// WithIterations returns a copy of c in which DefaultIterations is replaced
// by override(id) wherever that is positive.
func (c *Catalog) WithIterations(override func(id string) int) *Catalog {
	out := &Catalog{probes: slices.Clone(c.probes), byID: c.byID}
	for i := range out.probes {
		if n := override(out.probes[i].ID); n > 0 {
			out.probes[i].DefaultIterations = n
		}
	}
	return out
}

// Len returns the number of probes.
func (c *Catalog) Len() int {
	return len(c.probes)
}

// SetupOps returns the ids of the operations that prepare the fixture.
func (c *Catalog) SetupOps() []string {
	return []string{SetupOp}
}

// TeardownOps returns the ids of the operations that remove the fixture.
func (c *Catalog) TeardownOps() []string {
	return []string{TeardownOp}
}

// NeedsStore reports whether any of probes talks to the data store.
func NeedsStore(probes []Descriptor) bool {
	for _, d := range probes {
		if d.UsesStore || d.RequiresSetup {
			return true
		}
	}
	return false
}

// Select returns the descriptors for ids, in the order given. With no ids it
// returns every probe, skipping those that need the fixture unless
// withFixture is set.
func (c *Catalog) Select(withFixture bool, ids ...string) ([]Descriptor, error) {
	if len(ids) == 0 {
		var out []Descriptor
		for _, d := range c.probes {
			if d.RequiresSetup && !withFixture {
				continue
			}
			out = append(out, d)
		}
		return out, nil
	}

	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := c.Lookup(id)
		if !ok {
			return nil, &UnknownProbeError{ID: id}
		}
		out = append(out, d)
	}
	return out, nil
}

// catalogJSON is the wire form of a Catalog.
type catalogJSON struct {
	Probes   []Descriptor `json:"probes"`
	Setup    []string     `json:"setup"`
	Teardown []string     `json:"teardown"`
}

func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(catalogJSON{
		Probes:   c.probes,
		Setup:    c.SetupOps(),
		Teardown: c.TeardownOps(),
	})
}

// UnmarshalJSON rebuilds a catalog received from a remote harness.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	var raw catalogJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewCatalog(raw.Probes...)
	if err != nil {
		return err
	}
	*c = *built
	return nil
}
