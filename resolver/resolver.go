// Package resolver implements the URI-based resource resolution layer: a
// scheme → provider registry, the bare-path/default-scheme normalization
// rules, and a file-backed Provider with a path-keyed cache of static
// generators.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/duskwave/sonora/generator"
)

// schemePattern matches a URI scheme prefix: one or more of
// [A-Za-z0-9+-.] followed by ':'.
var schemePattern = regexp.MustCompile(`^[A-Za-z0-9+\-.]+:`)

// Provider answers a resolution request for a URI with either a
// ready-initialized generator or nil. Providers register the scheme(s)
// they handle with a Resolver.
type Provider interface {
	// Schemes returns the scheme names (without the trailing ':') this
	// provider handles.
	Schemes() []string

	// Resolve produces a Generator for uri, or nil if none could be
	// produced; a plain not-found is a nil result, not an error. A
	// non-nil error indicates a decode or I/O failure.
	Resolve(ctx context.Context, uri string) (generator.Generator, error)
}

// Resolver maps a scheme to the provider that handles it —
// case-insensitive, last registration wins — and normalizes bare paths
// into URIs using a configured default scheme.
type Resolver struct {
	mu            sync.Mutex
	providers     map[string]Provider
	defaultScheme string
}

// New creates a Resolver. defaultScheme is used to qualify bare paths
// (inputs with no `scheme:` prefix) into a full URI.
func New(defaultScheme string) *Resolver {
	return &Resolver{
		providers:     make(map[string]Provider),
		defaultScheme: strings.ToLower(defaultScheme),
	}
}

// Register associates p with every scheme it advertises, lower-cased. A
// later call for the same scheme replaces the earlier registration.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range p.Schemes() {
		r.providers[strings.ToLower(scheme)] = p
	}
}

// Normalize performs scheme detection and bare-path handling: a prefix
// matching schemePattern qualifies as a scheme and the input is used
// as-is; otherwise the input is treated as a path — backslashes become
// forward slashes, a leading '/' is stripped — and wrapped as
// `<default-scheme>:///<normalized>`.
func (r *Resolver) Normalize(input string) string {
	if schemePattern.MatchString(input) {
		return input
	}
	path := strings.ReplaceAll(input, `\`, "/")
	path = strings.TrimPrefix(path, "/")
	r.mu.Lock()
	scheme := r.defaultScheme
	r.mu.Unlock()
	return fmt.Sprintf("%s:///%s", scheme, path)
}

// Resolve normalizes input into a URI, looks up the provider for its
// scheme, and delegates. A missing scheme registration and a provider
// returning nil both yield (nil, nil) — not-found is a nil result, never
// an error.
func (r *Resolver) Resolve(ctx context.Context, input string) (generator.Generator, error) {
	uri := r.Normalize(input)
	scheme := schemeOf(uri)

	r.mu.Lock()
	p, ok := r.providers[scheme]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return p.Resolve(ctx, uri)
}

func schemeOf(uri string) string {
	i := strings.IndexByte(uri, ':')
	if i < 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

// pathOf strips a `scheme:` prefix and every leading slash after it to
// recover the path component.
func pathOf(uri string) string {
	i := strings.IndexByte(uri, ':')
	if i < 0 {
		return uri
	}
	return strings.TrimLeft(uri[i+1:], "/")
}
