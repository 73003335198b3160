// Package bus implements the hierarchical mix-bus tree: local vs.
// effective gain/pitch/priority-bias/mute, version counters bumped and
// propagated depth-first on any local mutation, and slash-delimited path
// resolution.
//
// All Bus state is audio-thread-owned; mutating methods enqueue a closure
// on a marshaller.Marshaller rather than writing fields directly from the
// caller's goroutine, so recomputation always happens on the audio thread.
// Reads are plain field accesses — scalar reads need no tearing
// protection, so no lock is taken for them.
package bus

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/duskwave/sonora/marshaller"
)

// Local holds a bus's own, non-inherited parameter values.
type Local struct {
	Gain         float32
	Pitch        float32
	PriorityBias int32
	Muted        bool
}

// Effective holds a bus's parameter values after composing with every
// ancestor.
type Effective struct {
	Gain         float32
	Pitch        float32
	PriorityBias int32
	Muted        bool
}

// Bus is one node of the mix tree. The zero value is not usable; construct
// via Tree.Root or Tree.ResolveOrCreate.
type Bus struct {
	ID     uuid.UUID
	name   string
	parent *Bus
	// children is keyed by name; names are sibling-unique, not
	// globally unique.
	children map[string]*Bus

	local     Local
	effective Effective

	// version is incremented on this node's own local mutation AND on every
	// recompute caused by an ancestor's mutation, so it strictly increases
	// across any change that affects this node's effective values.
	version atomic.Uint64
}

// Name returns the bus's name within its parent.
func (b *Bus) Name() string { return b.name }

// Parent returns the bus's parent, or nil for the root.
func (b *Bus) Parent() *Bus { return b.parent }

// Local returns a copy of the bus's own local values.
func (b *Bus) Local() Local { return b.local }

// Effective returns a copy of the bus's inherited/composed values.
func (b *Bus) Effective() Effective { return b.effective }

// Version returns the bus's current version counter. Voices cache the last
// version they observed and compare cheaply each tick.
func (b *Bus) Version() uint64 { return b.version.Load() }

// Children returns a snapshot slice of the bus's direct children, in no
// particular order.
func (b *Bus) Children() []*Bus {
	out := make([]*Bus, 0, len(b.children))
	for _, c := range b.children {
		out = append(out, c)
	}
	return out
}

// Path returns the bus's full slash-delimited path from the root, e.g.
// "sfx/guns". The root bus's path is "".
func (b *Bus) Path() string {
	if b.parent == nil {
		return ""
	}
	parentPath := b.parent.Path()
	if parentPath == "" {
		return b.name
	}
	return parentPath + "/" + b.name
}

const rootName = "Master"

// Tree owns the bus hierarchy and the marshaller all mutations are
// deferred through.
type Tree struct {
	m    *marshaller.Marshaller
	root *Bus
}

// NewTree creates a Tree with its root bus, "Master". The root has no
// parent and exists for the engine's whole lifetime.
func NewTree(m *marshaller.Marshaller) *Tree {
	root := newBus(rootName, nil)
	root.effective = Effective{Gain: 1, Pitch: 1, PriorityBias: 0, Muted: false}
	return &Tree{m: m, root: root}
}

func newBus(name string, parent *Bus) *Bus {
	b := &Bus{
		ID:       uuid.New(),
		name:     name,
		parent:   parent,
		children: make(map[string]*Bus),
		local:    Local{Gain: 1, Pitch: 1, PriorityBias: 0, Muted: false},
	}
	return b
}

// Root returns the Master bus.
func (t *Tree) Root() *Bus { return t.root }

// splitPath parses a bus path: leading '/' stripped, empty path resolves
// to Master, empty segments (double slash) ignored.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

// Lookup resolves a path to an existing bus without creating anything,
// returning nil if any segment is missing.
func (t *Tree) Lookup(path string) *Bus {
	segs := splitPath(path)
	cur := t.root
	for _, s := range segs {
		next, ok := cur.children[s]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// ResolveOrCreate resolves path, creating any missing segments along the
// way, and returns the leaf bus. The creation (and the recompute it
// triggers for the new node) is deferred through the marshaller and this
// call blocks until it has run, since callers need the resulting *Bus
// immediately.
func (t *Tree) ResolveOrCreate(path string) (*Bus, error) {
	segs := splitPath(path)
	var result *Bus
	err := t.m.SubmitSync(func() error {
		cur := t.root
		for _, s := range segs {
			next, ok := cur.children[s]
			if !ok {
				next = newBus(s, cur)
				cur.children[s] = next
				recompute(next)
			}
			cur = next
		}
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the child named by the final segment of path, returning
// false if the path does not resolve to an existing, non-root bus. Deleting
// a bus detaches its whole subtree; voices referencing a deleted bus are
// not touched here (ownership of that consequence lives in the engine).
func (t *Tree) Delete(path string) bool {
	segs := splitPath(path)
	if len(segs) == 0 {
		return false // cannot delete root
	}
	var ok bool
	_ = t.m.SubmitSync(func() error {
		parentPath := segs[:len(segs)-1]
		leaf := segs[len(segs)-1]
		cur := t.root
		for _, s := range parentPath {
			next, exists := cur.children[s]
			if !exists {
				return nil
			}
			cur = next
		}
		if _, exists := cur.children[leaf]; !exists {
			return nil
		}
		delete(cur.children, leaf)
		ok = true
		return nil
	})
	return ok
}

// SetGain sets the bus's local gain (clamped to ≥0) and schedules the
// recompute cascade. Fire-and-forget: returns before the mutation is
// visible to readers. Use SetGainSync to block until applied.
func (b *Bus) SetGain(t *Tree, gain float32) error {
	if gain < 0 {
		gain = 0
	}
	return t.m.Submit(func() error {
		b.local.Gain = gain
		recompute(b)
		return nil
	})
}

// SetGainSync is SetGain's completion-signaling counterpart.
func (b *Bus) SetGainSync(t *Tree, gain float32) error {
	if gain < 0 {
		gain = 0
	}
	return t.m.SubmitSync(func() error {
		b.local.Gain = gain
		recompute(b)
		return nil
	})
}

// SetPitch sets the bus's local pitch (clamped to >0).
func (b *Bus) SetPitch(t *Tree, pitch float32) error {
	if pitch <= 0 {
		pitch = 1e-6
	}
	return t.m.Submit(func() error {
		b.local.Pitch = pitch
		recompute(b)
		return nil
	})
}

// SetPitchSync is SetPitch's completion-signaling counterpart.
func (b *Bus) SetPitchSync(t *Tree, pitch float32) error {
	if pitch <= 0 {
		pitch = 1e-6
	}
	return t.m.SubmitSync(func() error {
		b.local.Pitch = pitch
		recompute(b)
		return nil
	})
}

// SetPriorityBias sets the bus's local additive priority bias.
func (b *Bus) SetPriorityBias(t *Tree, bias int32) error {
	return t.m.Submit(func() error {
		b.local.PriorityBias = bias
		recompute(b)
		return nil
	})
}

// SetPriorityBiasSync is SetPriorityBias's completion-signaling counterpart.
func (b *Bus) SetPriorityBiasSync(t *Tree, bias int32) error {
	return t.m.SubmitSync(func() error {
		b.local.PriorityBias = bias
		recompute(b)
		return nil
	})
}

// SetMuted sets the bus's local mute flag.
func (b *Bus) SetMuted(t *Tree, muted bool) error {
	return t.m.Submit(func() error {
		b.local.Muted = muted
		recompute(b)
		return nil
	})
}

// SetMutedSync is SetMuted's completion-signaling counterpart.
func (b *Bus) SetMutedSync(t *Tree, muted bool) error {
	return t.m.SubmitSync(func() error {
		b.local.Muted = muted
		recompute(b)
		return nil
	})
}

// recompute rederives b's effective values from its parent's and walks the
// subtree depth-first, parents before children, bumping each affected
// node's version. It is only ever called from inside a marshaller action,
// i.e. on the audio thread.
func recompute(b *Bus) {
	if b.parent == nil {
		gain := b.local.Gain
		if b.local.Muted {
			gain = 0
		}
		b.effective = Effective{
			Gain:         gain,
			Pitch:        b.local.Pitch,
			PriorityBias: b.local.PriorityBias,
			Muted:        b.local.Muted,
		}
	} else {
		parentEff := b.parent.effective
		muted := b.local.Muted || parentEff.Muted
		gain := b.local.Gain * parentEff.Gain
		if muted {
			gain = 0
		}
		b.effective = Effective{
			Gain:         gain,
			Pitch:        b.local.Pitch * parentEff.Pitch,
			PriorityBias: b.local.PriorityBias + parentEff.PriorityBias,
			Muted:        muted,
		}
	}
	b.version.Add(1)
	for _, child := range b.children {
		recompute(child)
	}
}

// String is for diagnostics/logging only.
func (b *Bus) String() string {
	return fmt.Sprintf("Bus(%s, gain=%.3f, pitch=%.3f, muted=%v, v=%d)",
		b.Path(), b.effective.Gain, b.effective.Pitch, b.effective.Muted, b.Version())
}
