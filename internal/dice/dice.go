// Package dice provides seeded dice rolls from standard dice notation.
// Notation is "NdM", optionally with a flat modifier: "2d6+1", "1d20-2".
package dice

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// notationRe matches NdM with an optional signed modifier. Case-insensitive.
var notationRe = regexp.MustCompile(`(?i)^\s*(\d+)d(\d+)\s*([+-]\s*\d+)?\s*$`)

// Notation is a parsed dice expression.
type Notation struct {
	Count    int
	Sides    int
	Modifier int
}

// String renders the notation back to its canonical form.
func (n Notation) String() string {
	switch {
	case n.Modifier > 0:
		return fmt.Sprintf("%dd%d+%d", n.Count, n.Sides, n.Modifier)
	case n.Modifier < 0:
		return fmt.Sprintf("%dd%d%d", n.Count, n.Sides, n.Modifier)
	default:
		return fmt.Sprintf("%dd%d", n.Count, n.Sides)
	}
}

// Min returns the minimum possible total.
func (n Notation) Min() int { return n.Count + n.Modifier }

// Max returns the maximum possible total.
func (n Notation) Max() int { return n.Count*n.Sides + n.Modifier }

// Parse parses dice notation. Anything outside the NdM(+K) grammar is rejected.
func Parse(s string) (Notation, error) {
	m := notationRe.FindStringSubmatch(s)
	if m == nil {
		return Notation{}, fmt.Errorf("invalid dice notation: %q", s)
	}

	count, err := strconv.Atoi(m[1])
	if err != nil || count <= 0 {
		return Notation{}, fmt.Errorf("invalid dice count in %q", s)
	}
	sides, err := strconv.Atoi(m[2])
	if err != nil || sides <= 0 {
		return Notation{}, fmt.Errorf("invalid dice sides in %q", s)
	}

	modifier := 0
	if m[3] != "" {
		raw := strings.ReplaceAll(m[3], " ", "")
		modifier, err = strconv.Atoi(raw)
		if err != nil {
			return Notation{}, fmt.Errorf("invalid dice modifier in %q", s)
		}
	}

	return Notation{Count: count, Sides: sides, Modifier: modifier}, nil
}

// Roller produces die rolls. Implementations must return values uniformly
// in [1, sides].
type Roller interface {
	Roll(sides int) int
}

// RandRoller is a seeded pseudo-random roller. Safe for concurrent use.
type RandRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller creates a roller from the given seed. A zero seed uses the clock.
func NewRoller(seed int64) *RandRoller {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandRoller{rng: rand.New(rand.NewSource(seed))}
}

// Roll returns a uniform value in [1, sides].
func (r *RandRoller) Roll(sides int) int {
	if sides <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(sides) + 1
}

// RollResult is one resolved dice expression.
type RollResult struct {
	Notation Notation
	Rolls    []int
	Total    int // sum of rolls + modifier
}

// RollNotation parses and rolls a dice expression.
func RollNotation(roller Roller, s string) (RollResult, error) {
	n, err := Parse(s)
	if err != nil {
		return RollResult{}, err
	}
	return RollParsed(roller, n), nil
}

// RollParsed rolls an already-parsed expression.
func RollParsed(roller Roller, n Notation) RollResult {
	rolls := make([]int, n.Count)
	total := n.Modifier
	for i := 0; i < n.Count; i++ {
		rolls[i] = roller.Roll(n.Sides)
		total += rolls[i]
	}
	return RollResult{Notation: n, Rolls: rolls, Total: total}
}

// RollDice rolls only the dice of an expression, ignoring its modifier.
// Used for critical hits where dice are doubled but the bonus is not.
func RollDice(roller Roller, n Notation) (rolls []int, sum int) {
	rolls = make([]int, n.Count)
	for i := 0; i < n.Count; i++ {
		rolls[i] = roller.Roll(n.Sides)
		sum += rolls[i]
	}
	return rolls, sum
}

// D20 rolls a single d20.
func D20(roller Roller) int { return roller.Roll(20) }

// D20Advantage rolls 2d20 and keeps the best.
func D20Advantage(roller Roller) (kept, a, b int) {
	a, b = roller.Roll(20), roller.Roll(20)
	if a >= b {
		return a, a, b
	}
	return b, a, b
}

// D20Disadvantage rolls 2d20 and keeps the worst.
func D20Disadvantage(roller Roller) (kept, a, b int) {
	a, b = roller.Roll(20), roller.Roll(20)
	if a <= b {
		return a, a, b
	}
	return b, a, b
}
