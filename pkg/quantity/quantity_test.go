package quantity

import "testing"

func TestVolumeAddSub(t *testing.T) {
	a := Microliters(10.5)
	b := Microliters(2.25)

	if got := a.Add(b).Microliters(); got < 12.74 || got > 12.76 {
		t.Fatalf("Add: got %v, want ~12.75", got)
	}
	if got := a.Sub(b).Microliters(); got < 8.24 || got > 8.26 {
		t.Fatalf("Sub: got %v, want ~8.25", got)
	}
}

func TestVolumeCmpTolerance(t *testing.T) {
	a := Microliters(10.001)
	b := Microliters(10.002)
	if a.Cmp(b) != 0 {
		t.Fatalf("expected values within tolerance to compare equal")
	}

	c := Microliters(10.1)
	if a.Cmp(c) >= 0 {
		t.Fatalf("expected a < c")
	}
}

func TestVolumeRoundUpToGranularity(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.01, 0.1},
		{0.1, 0.1},
		{0.15, 0.2},
		{9.99, 10.0},
		{0, 0},
	}
	for _, c := range cases {
		got := Microliters(c.in).RoundUpToGranularity().Microliters()
		if got < c.want-Tolerance || got > c.want+Tolerance {
			t.Errorf("RoundUpToGranularity(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestConcDilutionFactor(t *testing.T) {
	p := Nanomolar(50000)
	c := Nanomolar(500)
	if got := p.DilutionFactor(c); got < 99.9 || got > 100.1 {
		t.Fatalf("DilutionFactor = %v, want ~100", got)
	}
}

func TestVolumeScale(t *testing.T) {
	v := Microliters(40)
	if got := v.Scale(0.01).Microliters(); got < 0.39 || got > 0.41 {
		t.Fatalf("Scale = %v, want ~0.4", got)
	}
}
