package container

import (
	"testing"

	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/quantity"
)

func TestNewFinalIsFrozen(t *testing.T) {
	a := NewArena()
	h := a.NewFinal(model.Well(0, 0), quantity.Microliters(10), quantity.Nanomolar(50), quantity.Nanomolar(50000))
	if !a.IsFrozen(h) {
		t.Fatalf("final container must be frozen at construction")
	}
	if err := a.IncreaseMinFullVolume(h, quantity.Microliters(20)); err != ErrFrozen {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
}

func TestAttachParentRejectsWeakerSource(t *testing.T) {
	a := NewArena()
	final := a.NewFinal(model.Well(0, 0), quantity.Microliters(10), quantity.Nanomolar(500), quantity.Nanomolar(0))
	weakPrep := a.NewPrep(quantity.Nanomolar(100), quantity.Microliters(5))
	if err := a.AttachParent(final, weakPrep, model.RegimePerPosition); err != ErrParentTooWeak {
		t.Fatalf("expected ErrParentTooWeak, got %v", err)
	}
}

func TestAttachParentComputesTransferAndBuffer(t *testing.T) {
	a := NewArena()
	// Final container wants 40uL @ 500nM.
	final := a.NewFinal(model.Well(0, 0), quantity.Microliters(40), quantity.Nanomolar(500), quantity.Nanomolar(0))
	// Prep at 50000nM (stock-strength), enough to supply it directly.
	prep := a.NewPrep(quantity.Nanomolar(50000), quantity.Microliters(5))
	if err := a.AttachParent(final, prep, model.RegimePerPosition); err != nil {
		t.Fatalf("AttachParent: %v", err)
	}

	transfer := a.TransferVolume(prep, final)
	// 40uL * 500/50000 = 0.4uL, clamped up to PER_POSITION's 1uL minimum.
	if got := transfer.Microliters(); got < 0.99 || got > 1.01 {
		t.Fatalf("transfer = %v, want ~1.0 (0.4 clamped to the regime minimum)", got)
	}

	prepFull := a.FullVolume(prep)
	// min_full_volume defaults to zero, so full = dead(5) + transfersOut(1.0) = 6.0
	if got := prepFull.Microliters(); got < 5.99 || got > 6.01 {
		t.Fatalf("prep full volume = %v, want ~6.0", got)
	}

	buf := a.BufferVolume(prep)
	// buffer = full - transfer_in. prep is stock-rooted and no stock parent
	// conc was set, so its derived transfer-in is taken to be its whole full
	// volume and the buffer is zero.
	if !buf.IsZero() {
		t.Fatalf("buffer = %v, want 0 for stock-rooted prep with no parent conc (full %v)", buf, prepFull)
	}
}

func TestIncreaseMinFullVolumePropagatesUpward(t *testing.T) {
	a := NewArena()
	final := a.NewFinal(model.Well(0, 0), quantity.Microliters(40), quantity.Nanomolar(500), quantity.Nanomolar(0))
	midPrep := a.NewPrep(quantity.Nanomolar(5000), quantity.Microliters(2))
	rootPrep := a.NewPrep(quantity.Nanomolar(50000), quantity.Microliters(5))

	if err := a.AttachParent(final, midPrep, model.RegimePerPosition); err != nil {
		t.Fatalf("attach final->mid: %v", err)
	}
	if err := a.AttachParent(midPrep, rootPrep, model.RegimePerPosition); err != nil {
		t.Fatalf("attach mid->root: %v", err)
	}

	before := a.FullVolume(rootPrep)

	if err := a.IncreaseMinFullVolume(midPrep, quantity.Microliters(200)); err != nil {
		t.Fatalf("IncreaseMinFullVolume: %v", err)
	}

	after := a.FullVolume(rootPrep)
	if after.Cmp(before) <= 0 {
		t.Fatalf("expected root prep full volume to increase after mid prep grew: before=%v after=%v", before, after)
	}
}

func TestGetClonesRequiresMoreThanOne(t *testing.T) {
	a := NewArena()
	prep := a.NewPrep(quantity.Nanomolar(1000), quantity.Microliters(5))
	if _, err := a.GetClones(prep, 1); err != ErrInvalidCloneCount {
		t.Fatalf("expected ErrInvalidCloneCount, got %v", err)
	}
	if _, err := a.GetClones(prep, 0); err != ErrInvalidCloneCount {
		t.Fatalf("expected ErrInvalidCloneCount, got %v", err)
	}
}

func TestGetClonesFreezesAllAndCopiesDescendants(t *testing.T) {
	a := NewArena()
	root := a.NewPrep(quantity.Nanomolar(50000), quantity.Microliters(5))
	child := a.NewPrep(quantity.Nanomolar(5000), quantity.Microliters(2))
	if err := a.AttachParent(child, root, model.RegimePerPosition); err != nil {
		t.Fatalf("attach: %v", err)
	}

	clones, err := a.GetClones(root, 3)
	if err != nil {
		t.Fatalf("GetClones: %v", err)
	}
	if len(clones) != 3 {
		t.Fatalf("expected 3 clones, got %d", len(clones))
	}
	for _, h := range clones {
		if !a.IsFrozen(h) {
			t.Errorf("clone %d should be frozen", h)
		}
		if len(a.Children(h)) != 1 {
			t.Errorf("clone %d should have 1 child (descendant copied), got %d", h, len(a.Children(h)))
		}
	}
	// Clones must be distinct handles, not aliases of the original.
	seen := map[Handle]bool{}
	for _, h := range clones {
		if seen[h] {
			t.Fatalf("duplicate handle %d among clones", h)
		}
		seen[h] = true
	}
}

func TestIntraplateAncestorDepth(t *testing.T) {
	a := NewArena()
	root := a.NewPrep(quantity.Nanomolar(50000), quantity.Microliters(5))
	mid := a.NewPrep(quantity.Nanomolar(5000), quantity.Microliters(2))
	leaf := a.NewPrep(quantity.Nanomolar(500), quantity.Microliters(1))

	if err := a.AttachParent(mid, root, model.RegimePerPosition); err != nil {
		t.Fatal(err)
	}
	if err := a.AttachParent(leaf, mid, model.RegimePerPosition); err != nil {
		t.Fatal(err)
	}

	if err := a.SetLocation(root, "plate-1", model.Well(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocation(mid, "plate-1", model.Well(0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocation(leaf, "plate-2", model.Well(0, 0)); err != nil {
		t.Fatal(err)
	}

	if d := a.IntraplateAncestorDepth(mid); d != 1 {
		t.Errorf("mid depth = %d, want 1", d)
	}
	if d := a.IntraplateAncestorDepth(leaf); d != 0 {
		t.Errorf("leaf depth = %d, want 0 (different plate from its parent)", d)
	}
}

func TestSetLocationOnlyOnce(t *testing.T) {
	a := NewArena()
	prep := a.NewPrep(quantity.Nanomolar(1000), quantity.Microliters(5))
	if err := a.SetLocation(prep, "plate-1", model.Well(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocation(prep, "plate-1", model.Well(0, 1)); err != ErrLocationAlreadySet {
		t.Fatalf("expected ErrLocationAlreadySet, got %v", err)
	}
}
