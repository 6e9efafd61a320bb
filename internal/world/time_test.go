package world

import "testing"

func TestNormalizeMinutes(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 5},
		{-10, 5},
		{5, 5},
		{7, 5},
		{12, 10},
		{22, 15},
		{45, 30},
		{100, 120},
		{500, 480},
		{720, 720},
		{5000, 720},
	}
	for _, c := range cases {
		if got := NormalizeMinutes(c.in); got != c.want {
			t.Errorf("NormalizeMinutes(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestGameTimeAdvance(t *testing.T) {
	gt := NewGameTime()
	if gt.Day != 1 || gt.Hour != 8 || gt.Period != PeriodDay {
		t.Fatalf("new time = %+v, want day 1 08:00 day-period", gt)
	}

	gt = gt.Advance(30)
	if gt.Hour != 8 || gt.Minute != 30 {
		t.Errorf("after 30m: %s", gt.Clock())
	}

	gt = gt.Advance(600) // 08:30 + 10h = 18:30, dusk
	if gt.Hour != 18 || gt.Period != PeriodDusk {
		t.Errorf("after +10h: %s period %s, want 18:30 dusk", gt.Clock(), gt.Period)
	}

	gt = gt.Advance(120) // 20:30 night
	if gt.Period != PeriodNight {
		t.Errorf("20:30 period = %s, want night", gt.Period)
	}

	gt = gt.Advance(720) // 08:30 next day
	if gt.Day != 2 || gt.Hour != 8 || gt.Period != PeriodDay {
		t.Errorf("rollover = day %d %s %s, want day 2 08:30 day", gt.Day, gt.Clock(), gt.Period)
	}
}

func TestPeriodBoundaries(t *testing.T) {
	cases := map[int]Period{
		4: PeriodNight, 5: PeriodDawn, 7: PeriodDawn,
		8: PeriodDay, 17: PeriodDay, 18: PeriodDusk,
		19: PeriodDusk, 20: PeriodNight, 23: PeriodNight, 0: PeriodNight,
	}
	for hour, want := range cases {
		if got := periodOf(hour); got != want {
			t.Errorf("periodOf(%d) = %s, want %s", hour, got, want)
		}
	}
}

func TestStateApplyDelta(t *testing.T) {
	st := &GameState{WorldID: "w1", SessionID: "s1", AreaID: "a1", ChapterID: "c1"}

	st.Apply(NewDelta("navigate", map[string]interface{}{
		"area_id":         "a2",
		"player_location": "a2",
		"sub_location":    "",
		"weather":         "rain",
	}))
	if st.AreaID != "a2" || st.PlayerLocation != "a2" {
		t.Errorf("state after delta = %+v", st)
	}
	if st.Metadata["weather"] != "rain" {
		t.Errorf("unknown key not routed to metadata: %v", st.Metadata)
	}

	clone := st.Clone()
	clone.Metadata["weather"] = "snow"
	if st.Metadata["weather"] != "rain" {
		t.Error("Clone shares metadata map")
	}
}
