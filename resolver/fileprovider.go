package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duskwave/sonora/backend"
	"github.com/duskwave/sonora/generator"
	"github.com/duskwave/sonora/generator/decode"
	"github.com/duskwave/sonora/generator/decode/pcmraw"
	"github.com/duskwave/sonora/marshaller"
)

// DecoderFactory opens a decoder for a resolved filesystem path. Swapping
// this out is how a caller plugs in a real third-party decoder (e.g. a
// sample-file library) without this package needing to know about file
// formats at all.
type DecoderFactory func(path string) (decode.Decoder, error)

// FileProvider resolves `file:` (static) and `stream:` (streaming) URIs
// against an ordered set of search roots; the first root containing the
// path wins.
type FileProvider struct {
	adapter backend.Adapter
	m       *marshaller.Marshaller
	roots   []string
	// absoluteRelativeToRoot treats an absolute path as relative to the
	// search roots rather than to the OS filesystem root. Resolve strips
	// every leading slash from a URI path first, so URI paths never reach
	// resolvePath as absolute paths.
	absoluteRelativeToRoot bool

	staticDecoder    DecoderFactory
	streamingDecoder DecoderFactory
	streamBufferN    int

	// errSink receives decode failures raised by streaming generators'
	// background producers. May be nil.
	errSink func(error)

	mu sync.Mutex
	// cache and reverse hold the same entries from two directions: cache
	// is keyed by resolved filesystem path for lookup, reverse is the
	// generator identity used to find its path on disposal. Both are
	// maintained together so eviction is O(1).
	cache   map[string]*cacheEntry
	reverse map[*generator.Static]string
}

type cacheEntry struct {
	once sync.Once
	gen  *generator.Static
	err  error
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider creates a FileProvider searching roots in order.
// staticDecoder/streamingDecoder open a decode.Decoder for a resolved path;
// either may be nil to fall back to a raw-PCM passthrough decoder (useful
// for tests and procedurally generated assets), consistent with keeping
// concrete decoders as an external collaborator.
func NewFileProvider(adapter backend.Adapter, m *marshaller.Marshaller, roots []string, staticDecoder, streamingDecoder DecoderFactory) *FileProvider {
	return &FileProvider{
		adapter:          adapter,
		m:                m,
		roots:            roots,
		staticDecoder:    staticDecoder,
		streamingDecoder: streamingDecoder,
		streamBufferN:    generator.DefaultBufferCount,
		cache:            make(map[string]*cacheEntry),
		reverse:          make(map[*generator.Static]string),
	}
}

// Schemes implements Provider.
func (p *FileProvider) Schemes() []string { return []string{"file", "stream"} }

// SetErrorSink routes streaming decode failures somewhere useful (an
// engine's error handler, a test collector). Call before resolving any
// `stream:` URI.
func (p *FileProvider) SetErrorSink(fn func(error)) { p.errSink = fn }

// SetAbsolutePathsRelativeToRoots sets absoluteRelativeToRoot. Resolve
// strips every leading slash from a URI path before lookup, so every URI
// path is already searched under the roots and this setting does not
// change Resolve's result.
func (p *FileProvider) SetAbsolutePathsRelativeToRoots(on bool) { p.absoluteRelativeToRoot = on }

// Resolve implements Provider. `file:` URIs serve a cached Static generator
// (at-most-once concurrent initialization per resolved path); `stream:`
// URIs always create a fresh Streaming generator, since streamers are
// exclusive ("streamers are exclusive, static buffers are not") and so
// have no shareable cache entry.
func (p *FileProvider) Resolve(ctx context.Context, uri string) (generator.Generator, error) {
	scheme := schemeOf(uri)
	resolved, err := p.resolvePath(pathOf(uri))
	if err != nil {
		return nil, nil // not found: error kind 1, null result
	}

	switch scheme {
	case "file":
		return p.resolveStatic(resolved)
	case "stream":
		return p.resolveStreaming(resolved)
	default:
		return nil, nil
	}
}

// resolvePath tries each search root in order; the first existing match
// wins.
func (p *FileProvider) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) && !p.absoluteRelativeToRoot {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	rel := strings.TrimPrefix(path, "/")
	for _, root := range p.roots {
		candidate := filepath.Join(root, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if len(p.roots) == 0 {
		if _, err := os.Stat(rel); err == nil {
			return rel, nil
		}
	}
	return "", fmt.Errorf("resolver: no search root contains %q", path)
}

// resolveStatic serves a cached *generator.Static, initializing it at most
// once per resolved path even under concurrent requests.
func (p *FileProvider) resolveStatic(resolved string) (generator.Generator, error) {
	p.mu.Lock()
	entry, ok := p.cache[resolved]
	if !ok {
		entry = &cacheEntry{}
		p.cache[resolved] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		dec, err := p.openStaticDecoder(resolved)
		if err != nil {
			entry.err = fmt.Errorf("resolver: open static decoder: %w", err)
			return
		}
		gen, err := generator.NewStatic(p.adapter, dec)
		if err != nil {
			entry.err = err
			return
		}
		entry.gen = gen
		gen.SetOnDispose(func() { p.ReleaseDisposed(gen) })
		// The cache holds a non-owning reference: the count tracks
		// consumers only, so the last voice's release disposes the
		// generator and the hook above evicts this entry.
		gen.SilentRelease()

		p.mu.Lock()
		p.reverse[gen] = resolved
		p.mu.Unlock()
	})

	if entry.err != nil {
		p.mu.Lock()
		delete(p.cache, resolved)
		p.mu.Unlock()
		return nil, entry.err
	}
	if entry.gen.Disposed() {
		// Lost a race with the last consumer's release; make sure this
		// entry is gone (the dispose hook may not have run yet) and start
		// over with a fresh one.
		p.mu.Lock()
		if p.cache[resolved] == entry {
			delete(p.cache, resolved)
		}
		p.mu.Unlock()
		return p.resolveStatic(resolved)
	}
	entry.gen.Retain()
	return entry.gen, nil
}

func (p *FileProvider) resolveStreaming(resolved string) (generator.Generator, error) {
	dec, err := p.openStreamingDecoder(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolver: open streaming decoder: %w", err)
	}
	uploadFn := func(job func()) { _ = p.m.Submit(func() error { job(); return nil }) }
	s, err := generator.NewStreaming(p.adapter, dec, p.streamBufferN, false, uploadFn)
	if err != nil {
		return nil, err
	}
	if p.errSink != nil {
		s.SetOnError(p.errSink)
	}
	return s, nil
}

func (p *FileProvider) openStaticDecoder(path string) (decode.Decoder, error) {
	if p.staticDecoder != nil {
		return p.staticDecoder(path)
	}
	return openRawPCM(path)
}

func (p *FileProvider) openStreamingDecoder(path string) (decode.Decoder, error) {
	if p.streamingDecoder != nil {
		return p.streamingDecoder(path)
	}
	return openRawPCM(path)
}

// openRawPCM is the provider's fallback when no DecoderFactory is
// configured: it replays the file's raw bytes as 16-bit stereo PCM,
// sufficient for tests and procedurally generated assets with no real
// codec wired in.
func openRawPCM(path string) (decode.Decoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := backend.Format{
		Channels:      2,
		SampleRate:    48000,
		BitsPerSample: 16,
		Encoding:      backend.EncodingIntegerPCM,
	}
	return pcmraw.New(format, data), nil
}

// ReleaseDisposed removes gen's cache entry once it is fully disposed
// (refcount reached zero and its backend buffer destroyed). The provider
// registers this as the generator's dispose hook, so eviction is automatic
// and O(1) via the reverse index; it is exported for callers that manage
// generators outside the hook.
func (p *FileProvider) ReleaseDisposed(gen *generator.Static) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.reverse[gen]
	if !ok {
		return
	}
	delete(p.reverse, gen)
	delete(p.cache, path)
}
