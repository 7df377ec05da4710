// Package asset describes the avatar model catalog and loads named models
// from glTF/GLB files.
package asset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"
)

// Category groups assets by the behaviour they animate
type Category string

const (
	CategoryIdle    Category = "idle"
	CategoryTalking Category = "talking"
)

// LoadState tracks the last known load outcome of an asset
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// ClipInfo is what the catalog remembers about an asset's first clip
type ClipInfo struct {
	Duration time.Duration
	Loop     bool
}

// AvatarAsset is a catalog entry
type AvatarAsset struct {
	Name     string
	Category Category
	State    LoadState
	Clip     ClipInfo
}

// Catalog is the fixed set of assets: one idle asset and at least one
// talking asset. Entries are never added or removed after construction.
type Catalog struct {
	mu      sync.RWMutex
	dir     string
	idle    string
	talking []string
	assets  map[string]*AvatarAsset
}

// NewCatalog validates the asset names and builds a catalog rooted at dir.
func NewCatalog(dir, idle string, talking []string) (*Catalog, error) {
	if idle == "" {
		return nil, fmt.Errorf("catalog: idle asset is required")
	}
	if len(talking) == 0 {
		return nil, fmt.Errorf("catalog: at least one talking asset is required")
	}

	c := &Catalog{
		dir:     dir,
		idle:    idle,
		talking: make([]string, 0, len(talking)),
		assets:  make(map[string]*AvatarAsset, len(talking)+1),
	}
	c.assets[idle] = &AvatarAsset{Name: idle, Category: CategoryIdle, Clip: ClipInfo{Loop: true}}

	for _, name := range talking {
		if name == "" {
			return nil, fmt.Errorf("catalog: empty talking asset name")
		}
		if _, dup := c.assets[name]; dup {
			return nil, fmt.Errorf("catalog: duplicate asset %q", name)
		}
		c.assets[name] = &AvatarAsset{Name: name, Category: CategoryTalking}
		c.talking = append(c.talking, name)
	}

	return c, nil
}

// Dir returns the directory asset names are resolved against
func (c *Catalog) Dir() string {
	return c.dir
}

// Path resolves an asset name to a file path
func (c *Catalog) Path(name string) string {
	if filepath.IsAbs(name) || c.dir == "" {
		return name
	}
	return filepath.Join(c.dir, name)
}

// Idle returns the idle asset name
func (c *Catalog) Idle() string {
	return c.idle
}

// Talking returns the talking asset names in catalog order
func (c *Catalog) Talking() []string {
	out := make([]string, len(c.talking))
	copy(out, c.talking)
	return out
}

// Lookup returns a copy of the named entry
func (c *Catalog) Lookup(name string) (AvatarAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.assets[name]
	if !ok {
		return AvatarAsset{}, false
	}
	return *a, true
}

// Assets returns every entry, idle first, then talking in catalog order
func (c *Catalog) Assets() []AvatarAsset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]AvatarAsset, 0, len(c.assets))
	out = append(out, *c.assets[c.idle])
	for _, name := range c.talking {
		out = append(out, *c.assets[name])
	}
	return out
}

// MarkState records a load state transition. Unknown names are ignored.
func (c *Catalog) MarkState(name string, state LoadState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.assets[name]; ok {
		a.State = state
	}
}

// SetClip records the duration of an asset's first clip once it has loaded.
// Loopability is a property of the category and is not overwritten.
func (c *Catalog) SetClip(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.assets[name]; ok {
		a.Clip.Duration = d
	}
}

// PickTalking chooses uniformly among talking assets not in exclude. When
// every asset is excluded it retries with only the first exclusion, so the
// asset that just failed is still avoided where possible. A single-asset
// catalog always returns that asset.
func (c *Catalog) PickTalking(rng *rand.Rand, exclude ...string) string {
	if len(c.talking) == 1 {
		return c.talking[0]
	}

	candidates := without(c.talking, exclude)
	if len(candidates) == 0 && len(exclude) > 0 {
		candidates = without(c.talking, exclude[:1])
	}
	if len(candidates) == 0 {
		candidates = c.talking
	}
	return candidates[rng.Intn(len(candidates))]
}

func without(names, exclude []string) []string {
	out := make([]string, 0, len(names))
next:
	for _, n := range names {
		for _, e := range exclude {
			if n == e {
				continue next
			}
		}
		out = append(out, n)
	}
	return out
}
