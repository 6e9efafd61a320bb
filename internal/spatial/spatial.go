// Package spatial models qualitative combat positioning on a five-band
// distance lattice: engaged < close < near < far < distant.
package spatial

// Band is one position on the distance lattice.
type Band int

const (
	Engaged Band = iota
	Close
	Near
	Far
	Distant
)

var bandNames = [...]string{"engaged", "close", "near", "far", "distant"}

func (b Band) String() string {
	if b < Engaged || b > Distant {
		return "unknown"
	}
	return bandNames[b]
}

// ParseBand resolves a band name; unknown names report false.
func ParseBand(s string) (Band, bool) {
	for i, name := range bandNames {
		if name == s {
			return Band(i), true
		}
	}
	return Near, false
}

// Provider stores the band between each unordered pair of combatants.
// Distances are symmetric; a combatant is always engaged with itself.
type Provider struct {
	bands map[[2]string]Band
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{bands: make(map[[2]string]Band)}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Set records the band between two combatants.
func (p *Provider) Set(a, b string, band Band) {
	if a == b {
		return
	}
	p.bands[pairKey(a, b)] = band
}

// Get returns the band between two combatants. Unset pairs default to near;
// Get(x, x) is engaged.
func (p *Provider) Get(a, b string) Band {
	if a == b {
		return Engaged
	}
	if band, ok := p.bands[pairKey(a, b)]; ok {
		return band
	}
	return Near
}

// Adjust shifts the band between two combatants by delta steps, saturating
// at the lattice endpoints. Positive delta moves apart, negative together.
// Returns the resulting band.
func (p *Provider) Adjust(a, b string, delta int) Band {
	if a == b {
		return Engaged
	}
	band := int(p.Get(a, b)) + delta
	if band < int(Engaged) {
		band = int(Engaged)
	}
	if band > int(Distant) {
		band = int(Distant)
	}
	p.Set(a, b, Band(band))
	return Band(band)
}

// Remove forgets every pair involving the combatant.
func (p *Provider) Remove(id string) {
	for key := range p.bands {
		if key[0] == id || key[1] == id {
			delete(p.bands, key)
		}
	}
}
