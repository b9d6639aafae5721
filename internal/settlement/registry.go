package settlement

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Options carries everything a backend factory may need. Fields that do not
// apply to a backend are ignored by it.
type Options struct {
	URL      string
	User     string
	Password string

	// ChainID is used by the evm backend for transaction signing.
	ChainID int64
	// UseLegacyTx makes the evm backend send type-0 transactions.
	UseLegacyTx bool

	// Fee is charged per transfer by the sim backend.
	Fee Amount
	// Latency is added to every sim backend call.
	Latency time.Duration

	Logger *slog.Logger
}

// Factory builds a connected Service.
type Factory func(ctx context.Context, opts Options) (Service, error)

// BackendInfo describes a registered backend.
type BackendInfo struct {
	// Name is the identifier used in configuration (e.g. "sim", "evm").
	Name string
	// Description is a one-line human description.
	Description string
	// Unit names the smallest currency unit amounts are expressed in.
	Unit string
	// DefaultURL is the RPC endpoint used when none is configured.
	DefaultURL string
	// DefaultFundingCount is the FundToAddress count used during provisioning
	// when none is configured.
	DefaultFundingCount int
	// RequiresRPC is true when the backend talks to a remote node.
	RequiresRPC bool

	Factory Factory
}

// String returns the backend name.
func (b *BackendInfo) String() string {
	if b == nil {
		return "unknown"
	}
	return b.Name
}

// Registry holds registered backends. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*BackendInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*BackendInfo),
	}
}

// Register adds or replaces a backend definition.
func (r *Registry) Register(info *BackendInfo) {
	if info == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[info.Name] = info
}

// Get returns a backend by name, or nil if it is not registered.
func (r *Registry) Get(name string) *BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns the sorted names of all registered backends.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the named backend. An empty opts.URL falls back to the
// backend's DefaultURL.
func (r *Registry) Open(ctx context.Context, name string, opts Options) (Service, *BackendInfo, error) {
	info := r.Get(name)
	if info == nil {
		return nil, nil, errors.Newf("unknown settlement backend %q (registered: %v)", name, r.Names())
	}
	if info.Factory == nil {
		return nil, nil, errors.Newf("settlement backend %q has no factory", name)
	}
	if opts.URL == "" {
		opts.URL = info.DefaultURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	svc, err := info.Factory(ctx, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s backend", name)
	}
	return svc, info, nil
}
