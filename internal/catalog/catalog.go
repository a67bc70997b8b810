package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Catalog is an immutable snapshot of the merged service-type catalogue
// plus the auto-allocation and recovery policies from the user config.
// Mutation happens by building a new Catalog and swapping it into a Runtime.
type Catalog struct {
	types          map[string]ServiceType
	AutoAllocation AutoAllocationConfig
	Rules          []AutoAllocationRule
	Recovery       RecoveryConfig
}

// Get returns the service type with the given name.
func (c *Catalog) Get(name string) (ServiceType, bool) {
	st, ok := c.types[name]
	return st, ok
}

// Has reports whether the catalogue contains the named type.
func (c *Catalog) Has(name string) bool {
	_, ok := c.types[name]
	return ok
}

// All returns every service type, sorted by name.
func (c *Catalog) All() []ServiceType {
	out := lo.Values(c.types)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ranges returns the sorted list of all catalogue ranges.
func (c *Catalog) Ranges() []PortRange {
	out := lo.Map(lo.Values(c.types), func(st ServiceType, _ int) PortRange { return st.Range })
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	return out
}

// Len returns the number of catalogue entries.
func (c *Catalog) Len() int {
	return len(c.types)
}

// RuleFor returns the first auto-allocation rule whose glob pattern
// matches the service-type name.
func (c *Catalog) RuleFor(name string) (AutoAllocationRule, bool) {
	for _, rule := range c.Rules {
		if ok, err := path.Match(rule.Pattern, name); err == nil && ok {
			return rule, true
		}
	}
	return AutoAllocationRule{}, false
}

// ChunkSizeFor resolves the auto-allocation chunk size for a service-type
// name: the first matching rule wins, else the default chunk size.
func (c *Catalog) ChunkSizeFor(name string) int {
	if rule, ok := c.RuleFor(name); ok && rule.ChunkSize > 0 {
		return rule.ChunkSize
	}
	return c.AutoAllocation.GetChunkSize()
}

// Build merges the shipped defaults with a user config and validates the
// result. The returned warnings are advisory (preferred ports outside
// their range); a non-nil error means the merged catalogue is unusable.
func Build(user *UserConfig) (cat *Catalog, warnings []string, err error) {
	merged := ShippedServiceTypes()

	auto := DefaultAutoAllocation()
	recovery := DefaultRecovery()
	var rules []AutoAllocationRule

	if user != nil {
		for name, st := range user.ServiceTypes {
			st.Name = name
			merged[name] = st
		}
		if user.AutoAllocation != nil {
			auto = *user.AutoAllocation
		}
		if user.Recovery != nil {
			recovery = *user.Recovery
		}
		rules = user.AutoAllocationRules
	}

	c := &Catalog{
		types:          merged,
		AutoAllocation: auto,
		Rules:          rules,
		Recovery:       recovery,
	}

	warnings, err = validate(c)
	if err != nil {
		return nil, warnings, err
	}
	return c, warnings, nil
}

// validate checks structural invariants: well-formed disjoint ranges,
// positive chunk sizes, parseable rule patterns. Preferred ports outside
// their range produce warnings, not errors.
func validate(c *Catalog) (warnings []string, err error) {
	verr := &ValidationError{}

	names := lo.Keys(c.types)
	sort.Strings(names)

	for _, name := range names {
		st := c.types[name]
		if st.Range.Lo < 1 || st.Range.Hi > 65535 || st.Range.Lo > st.Range.Hi {
			verr.Addf("service type %q: invalid range %s", name, st.Range)
			continue
		}
		for _, p := range st.Preferred {
			if p < 1 || p > 65535 {
				verr.Addf("service type %q: preferred port %d out of bounds", name, p)
			} else if !st.Range.Contains(p) {
				warnings = append(warnings, fmt.Sprintf("service type %q: preferred port %d outside range %s", name, p, st.Range))
			}
		}
	}

	// Pairwise range disjointness.
	for i, a := range names {
		for _, b := range names[i+1:] {
			ra, rb := c.types[a].Range, c.types[b].Range
			if ra.Overlaps(rb) {
				verr.Addf("service types %q (%s) and %q (%s) have overlapping ranges", a, ra, b, rb)
			}
		}
	}

	if c.AutoAllocation.DefaultChunkSize < 0 {
		verr.Addf("auto_allocation: default_chunk_size must be positive, got %d", c.AutoAllocation.DefaultChunkSize)
	}
	if c.AutoAllocation.MinPort != 0 && c.AutoAllocation.MaxPort != 0 && c.AutoAllocation.MinPort > c.AutoAllocation.MaxPort {
		verr.Addf("auto_allocation: min_port %d exceeds max_port %d", c.AutoAllocation.MinPort, c.AutoAllocation.MaxPort)
	}
	for _, rule := range c.Rules {
		if _, merr := path.Match(rule.Pattern, "x"); merr != nil {
			verr.Addf("auto_allocation_rules: bad pattern %q", rule.Pattern)
		}
		if rule.ChunkSize < 0 {
			verr.Addf("auto_allocation_rules: pattern %q has negative chunk_size", rule.Pattern)
		}
	}

	return warnings, verr.ToError()
}

// Runtime publishes the current catalogue for lock-free reads.
// Components hold the Runtime, not a *Catalog, so reloads take effect
// without re-wiring.
type Runtime struct {
	current atomic.Pointer[Catalog]
}

// NewRuntime creates a Runtime pre-loaded with a snapshot.
func NewRuntime(c *Catalog) *Runtime {
	r := &Runtime{}
	if c != nil {
		r.store(c)
	}
	return r
}

// Get returns the current catalogue snapshot.
func (r *Runtime) Get() *Catalog {
	return r.current.Load()
}

// store swaps in a new snapshot.
func (r *Runtime) store(c *Catalog) {
	r.current.Store(c)
}

// Loader reads the user config file and maintains the Runtime.
// Reloads are serialized by the caller under the user-config lock.
type Loader struct {
	path    string
	runtime *Runtime
	logger  zerolog.Logger
}

// NewLoader creates a loader for the user config at path. The Runtime is
// empty until the first Load.
func NewLoader(path string, logger zerolog.Logger) *Loader {
	return &Loader{
		path:    path,
		runtime: &Runtime{},
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
}

// Runtime returns the holder components should read the catalogue through.
func (l *Loader) Runtime() *Runtime {
	return l.runtime
}

// Path returns the user config path the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, merges, and validates the user config. On validation
// failure the previous valid catalogue stays installed and the error is
// returned for the caller to surface as a warning. A missing file is not
// an error: the shipped defaults apply.
func (l *Loader) Load() error {
	user, err := l.readUserConfig()
	if err == nil {
		var cat *Catalog
		var warnings []string
		cat, warnings, err = Build(user)
		for _, w := range warnings {
			l.logger.Warn().Msg(w)
		}
		if err == nil {
			l.runtime.store(cat)
			l.logger.Debug().Int("service_types", cat.Len()).Msg("catalogue loaded")
			return nil
		}
	}

	// Keep the previous catalogue if one exists; otherwise fall back to
	// shipped defaults so the daemon can still operate.
	if l.runtime.Get() == nil {
		defaults, _, buildErr := Build(nil)
		if buildErr != nil {
			return fmt.Errorf("catalog: shipped defaults invalid: %w", buildErr)
		}
		l.runtime.store(defaults)
	}
	l.logger.Warn().Err(err).Str("path", l.path).Msg("user config rejected, keeping previous catalogue")
	return err
}

// Reload re-reads the user config after a mutation. Same semantics as Load.
func (l *Loader) Reload() error {
	return l.Load()
}

// ParseUserConfig decodes user config bytes. The auto-allocator uses it
// to build a fresh catalogue view from bytes read inside the config lock.
func ParseUserConfig(data []byte) (*UserConfig, error) {
	var user UserConfig
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("catalog: parse user config: %w", err)
	}
	return &user, nil
}

// readUserConfig decodes the user config JSON, treating a missing file as empty.
func (l *Loader) readUserConfig() (*UserConfig, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read user config: %w", err)
	}

	var user UserConfig
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("catalog: parse user config: %w", err)
	}
	return &user, nil
}
