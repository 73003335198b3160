package bus

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/duskwave/sonora/errs"
	"github.com/duskwave/sonora/internal/testutil"
	"github.com/duskwave/sonora/marshaller"
)

// TestBusMathInvariantRapid checks that after a random sequence of local
// mutations and bus creations, every node's cached effective values equal
// a recomputation from scratch.
func TestBusMathInvariantRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := marshaller.New(errs.NewCollectingErrorHandler())
		stop := testutil.AutoDrain(m)
		defer stop()
		tree := NewTree(m)

		paths := rapid.SliceOfDistinct(
			rapid.StringMatching(`[a-c]/[a-c]/[a-c]`),
			func(s string) string { return s },
		).Draw(rt, "paths")

		buses := make([]*Bus, 0, len(paths)+1)
		buses = append(buses, tree.Root())
		for _, p := range paths {
			b, err := tree.ResolveOrCreate(p)
			if err != nil {
				rt.Fatalf("resolve %q: %v", p, err)
			}
			buses = append(buses, b)
		}

		steps := rapid.IntRange(0, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			victim := buses[rapid.IntRange(0, len(buses)-1).Draw(rt, "victim")]
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				g := float32(rapid.Float64Range(-1, 4).Draw(rt, "gain"))
				_ = victim.SetGainSync(tree, g)
			case 1:
				p := float32(rapid.Float64Range(-1, 4).Draw(rt, "pitch"))
				_ = victim.SetPitchSync(tree, p)
			case 2:
				bias := int32(rapid.IntRange(-100, 100).Draw(rt, "bias"))
				_ = victim.SetPriorityBiasSync(tree, bias)
			case 3:
				muted := rapid.Bool().Draw(rt, "muted")
				_ = victim.SetMutedSync(tree, muted)
			}

			// After every mutation, every bus's cached effective values must
			// equal a from-scratch recomputation via the ancestor chain.
			for _, b := range buses {
				wantGain, wantPitch, wantBias, wantMuted := recomputeFromScratch(b)
				eff := b.Effective()
				if !floatsClose(eff.Gain, wantGain) {
					rt.Fatalf("bus %s: cached gain %v != recomputed %v", b.Path(), eff.Gain, wantGain)
				}
				if !floatsClose(eff.Pitch, wantPitch) {
					rt.Fatalf("bus %s: cached pitch %v != recomputed %v", b.Path(), eff.Pitch, wantPitch)
				}
				if eff.PriorityBias != wantBias {
					rt.Fatalf("bus %s: cached bias %v != recomputed %v", b.Path(), eff.PriorityBias, wantBias)
				}
				if eff.Muted != wantMuted {
					rt.Fatalf("bus %s: cached muted %v != recomputed %v", b.Path(), eff.Muted, wantMuted)
				}
			}
		}
	})
}

// recomputeFromScratch walks b's ancestor chain independently of the
// cached Effective values, mirroring composition rules exactly, so the
// property test has a second, independent implementation to compare
// against (it does not call the package's own recompute()).
func recomputeFromScratch(b *Bus) (gain, pitch float32, bias int32, muted bool) {
	var chain []*Bus
	for cur := b; cur != nil; cur = cur.Parent() {
		chain = append(chain, cur)
	}
	gain, pitch, bias, muted = 1, 1, 0, false
	for i := len(chain) - 1; i >= 0; i-- {
		l := chain[i].Local()
		muted = l.Muted || muted
		gain = l.Gain * gain
		pitch = l.Pitch * pitch
		bias = l.PriorityBias + bias
	}
	if muted {
		gain = 0
	}
	return
}

func floatsClose(a, b float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-4
}
