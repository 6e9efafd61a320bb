// Package world implements the world runtime: game time, navigation between
// areas, sub-locations, worldbook data loading, and the plot-event state
// machine driven by the per-turn behavior tick.
package world

import "fmt"

// Period is the qualitative time of day.
type Period string

const (
	PeriodDawn  Period = "dawn"  // 5-8
	PeriodDay   Period = "day"   // 8-18
	PeriodDusk  Period = "dusk"  // 18-20
	PeriodNight Period = "night" // everything else
)

// timeBuckets are the only travel/wait durations the clock advances by.
var timeBuckets = []int{5, 10, 15, 30, 60, 120, 180, 240, 360, 480, 720}

// NormalizeMinutes snaps a requested duration to the nearest bucket, capped
// at 720. Non-positive input snaps to the smallest bucket.
func NormalizeMinutes(minutes int) int {
	if minutes >= 720 {
		return 720
	}
	best := timeBuckets[0]
	bestDist := abs(minutes - best)
	for _, b := range timeBuckets[1:] {
		if d := abs(minutes - b); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// GameTime is the in-world clock.
type GameTime struct {
	Day    int    `json:"day"`
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
	Period Period `json:"period"`
}

// NewGameTime starts a campaign clock at day 1, 08:00.
func NewGameTime() GameTime {
	return StartTime(1, 8)
}

// StartTime builds a clock at the given day and hour. Out-of-range values
// fall back to day 1, 08:00.
func StartTime(day, hour int) GameTime {
	if day <= 0 {
		day = 1
	}
	if hour < 0 || hour > 23 {
		hour = 8
	}
	t := GameTime{Day: day, Hour: hour}
	t.Period = periodOf(t.Hour)
	return t
}

// Advance moves the clock forward by raw minutes (callers normalize first
// when the duration comes from player input).
func (t GameTime) Advance(minutes int) GameTime {
	if minutes <= 0 {
		return t
	}
	total := t.Hour*60 + t.Minute + minutes
	t.Day += total / (24 * 60)
	total %= 24 * 60
	t.Hour = total / 60
	t.Minute = total % 60
	t.Period = periodOf(t.Hour)
	return t
}

// Clock renders "HH:MM".
func (t GameTime) Clock() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t GameTime) String() string {
	return fmt.Sprintf("第%d天 %s（%s）", t.Day, t.Clock(), t.Period)
}

func periodOf(hour int) Period {
	switch {
	case hour >= 5 && hour < 8:
		return PeriodDawn
	case hour >= 8 && hour < 18:
		return PeriodDay
	case hour >= 18 && hour < 20:
		return PeriodDusk
	default:
		return PeriodNight
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
