package spatial

import "testing"

func TestSelfDistanceIsEngaged(t *testing.T) {
	p := NewProvider()
	if got := p.Get("a", "a"); got != Engaged {
		t.Errorf("Get(a,a) = %v, want engaged", got)
	}
	// Setting a self pair is ignored.
	p.Set("a", "a", Distant)
	if got := p.Get("a", "a"); got != Engaged {
		t.Errorf("Get(a,a) after Set = %v, want engaged", got)
	}
}

func TestSymmetry(t *testing.T) {
	p := NewProvider()
	p.Set("a", "b", Far)
	if p.Get("a", "b") != p.Get("b", "a") {
		t.Errorf("asymmetric distance: %v vs %v", p.Get("a", "b"), p.Get("b", "a"))
	}
	p.Adjust("b", "a", -1)
	if p.Get("a", "b") != Near {
		t.Errorf("Adjust through reversed pair = %v, want near", p.Get("a", "b"))
	}
}

func TestAdjustSaturates(t *testing.T) {
	p := NewProvider()
	p.Set("a", "b", Close)

	if got := p.Adjust("a", "b", -5); got != Engaged {
		t.Errorf("Adjust(-5) = %v, want engaged (saturated)", got)
	}
	if got := p.Adjust("a", "b", 99); got != Distant {
		t.Errorf("Adjust(+99) = %v, want distant (saturated)", got)
	}
	if got := p.Adjust("a", "b", 1); got != Distant {
		t.Errorf("Adjust past distant = %v, want distant", got)
	}
}

func TestUnsetPairDefaultsToNear(t *testing.T) {
	p := NewProvider()
	if got := p.Get("x", "y"); got != Near {
		t.Errorf("unset pair = %v, want near", got)
	}
}

func TestRemoveForgetsPairs(t *testing.T) {
	p := NewProvider()
	p.Set("a", "b", Engaged)
	p.Set("a", "c", Far)
	p.Remove("a")
	if p.Get("a", "b") != Near || p.Get("a", "c") != Near {
		t.Error("Remove left stale pairs")
	}
}

func TestParseBand(t *testing.T) {
	for i, name := range []string{"engaged", "close", "near", "far", "distant"} {
		band, ok := ParseBand(name)
		if !ok || band != Band(i) {
			t.Errorf("ParseBand(%q) = %v/%v", name, band, ok)
		}
	}
	if _, ok := ParseBand("orbit"); ok {
		t.Error("ParseBand accepted unknown band")
	}
}
