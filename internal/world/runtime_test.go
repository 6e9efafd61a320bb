package world

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testMaps = `{
  "areas": [
    {
      "id": "area_town", "name": "小镇", "danger": "low",
      "connections": [
        {"to": "area_forest", "name": "森林小径", "travel_minutes": 25},
        {"to": "area_ruins", "name": "古道", "travel_minutes": 130}
      ],
      "sub_locations": [
        {"id": "sub_inn", "name": "旅店", "interaction_type": "rest"},
        {"id": "sub_shop", "name": "杂货铺", "interaction_type": "shop"}
      ]
    },
    {
      "id": "area_forest", "name": "迷雾森林", "danger": "medium",
      "connections": [{"to": "area_town", "name": "回镇路", "travel_minutes": 25}]
    },
    {"id": "area_ruins", "name": "遗迹", "danger": "high"}
  ]
}`

const testChapters = `{
  "chapters": [
    {
      "id": "ch1", "name": "序章",
      "available_maps": ["area_town", "area_forest"],
      "objectives": [{"id": "obj_meet_elder", "description": "拜访长老"}],
      "next": "ch2"
    },
    {"id": "ch2", "name": "第二章", "available_maps": ["area_town", "area_forest", "area_ruins"]}
  ]
}`

const testCharacters = `{
  "characters": [
    {"id": "npc_elder", "name": "长老", "home_area_id": "area_town"},
    {"id": "npc_hunter", "name": "猎人", "home_area_id": "area_forest"}
  ]
}`

func writeWorldbook(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps.json"), []byte(testMaps), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chapters_v2.json"), []byte(testChapters), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "characters.json"), []byte(testCharacters), 0o644))
}

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	writeWorldbook(t, dir)
	wb, err := LoadWorldbook(dir)
	require.NoError(t, err)
	return NewRuntime(wb)
}

func testState() *GameState {
	return &GameState{
		WorldID: "w1", SessionID: "s1",
		AreaID: "area_town", PlayerLocation: "area_town", ChapterID: "ch1",
		Time: NewGameTime(),
	}
}

func TestLoadWorldbook(t *testing.T) {
	rt := testRuntime(t)

	area, ok := rt.Area("area_town")
	require.True(t, ok)
	require.Equal(t, "小镇", area.Name)
	require.Len(t, area.Connections, 2)
	require.Len(t, area.SubLocations, 2)

	ch, ok := rt.Chapter("ch1")
	require.True(t, ok)
	require.Equal(t, []string{"area_town", "area_forest"}, ch.AvailableMaps)

	require.Equal(t, []string{"npc_elder", "npc_hunter"}, rt.KnownCharacterIDs())
	require.Equal(t, []string{"npc_elder"}, rt.CharactersAt("area_town"))
}

func TestStartAreaPrefersLowDanger(t *testing.T) {
	rt := testRuntime(t)

	start, err := rt.StartArea("ch1")
	require.NoError(t, err)
	require.Equal(t, "area_town", start)

	_, err = rt.StartArea("ch_missing")
	require.Error(t, err)
}

func TestResolveArea(t *testing.T) {
	rt := testRuntime(t)

	cases := []struct {
		dest, want string
	}{
		{"area_forest", "area_forest"}, // id match
		{"森林小径", "area_forest"},        // connection name from current area
		{"迷雾森林", "area_forest"},        // global area name
	}
	for _, c := range cases {
		got, err := rt.ResolveArea("area_town", c.dest)
		require.NoError(t, err, c.dest)
		require.Equal(t, c.want, got, c.dest)
	}

	_, err := rt.ResolveArea("area_town", "不存在的地方")
	require.Error(t, err)
}

func TestNavigateAdvancesTimeAndState(t *testing.T) {
	rt := testRuntime(t)
	st := testState()
	st.SubLocation = "sub_inn"

	res, err := rt.Navigate(st, "森林小径")
	require.NoError(t, err)
	require.Equal(t, "area_forest", res.AreaID)
	// 25 minutes snaps to the 30 bucket.
	require.Equal(t, 30, res.TravelMinutes)
	require.Equal(t, "08:30", st.Time.Clock())
	require.Equal(t, "area_forest", st.AreaID)
	require.Empty(t, st.SubLocation, "navigation must clear the sub-location")
	require.True(t, res.FirstVisit)

	// Going back is not a first visit of town? It is: visited tracks arrivals.
	res, err = rt.Navigate(st, "area_town")
	require.NoError(t, err)
	require.True(t, res.FirstVisit)
	res, err = rt.Navigate(st, "area_forest")
	require.NoError(t, err)
	require.False(t, res.FirstVisit)
}

func TestNavigateChapterGate(t *testing.T) {
	rt := testRuntime(t)
	st := testState()

	_, err := rt.Navigate(st, "area_ruins")
	require.ErrorContains(t, err, "not reachable")

	// Same move in chapter 2 passes the gate and the 130m edge snaps to 120.
	st.ChapterID = "ch2"
	res, err := rt.Navigate(st, "古道")
	require.NoError(t, err)
	require.Equal(t, "area_ruins", res.AreaID)
	require.Equal(t, 120, res.TravelMinutes)
}

func TestNavigateWithoutConnectionRejected(t *testing.T) {
	rt := testRuntime(t)
	st := testState()
	st.ChapterID = "ch2"
	st.AreaID = "area_ruins" // ruins has no outgoing connections

	_, err := rt.Navigate(st, "area_town")
	require.ErrorContains(t, err, "no route")
}

func TestSubLocationShopHours(t *testing.T) {
	rt := testRuntime(t)
	st := testState()

	sub, err := rt.EnterSubLocation(st, "杂货铺")
	require.NoError(t, err)
	require.Equal(t, "sub_shop", sub.ID)
	require.Equal(t, "sub_shop", st.SubLocation)

	rt.LeaveSubLocation(st)
	require.Empty(t, st.SubLocation)

	// 21:00: shop closed, inn still open.
	st.Time = st.Time.Advance(13 * 60)
	_, err = rt.EnterSubLocation(st, "sub_shop")
	require.ErrorContains(t, err, "closed")

	_, err = rt.EnterSubLocation(st, "sub_inn")
	require.NoError(t, err)

	_, err = rt.EnterSubLocation(st, "sub_missing")
	require.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeWorldbook(t, dir)

	reloaded := make(chan *Worldbook, 4)
	w, err := NewWatcher(dir, func(wb *Worldbook) { reloaded <- wb })
	require.NoError(t, err)
	defer w.Close()

	// Appending an area and rewriting maps.json triggers a reload.
	updated := `{"areas": [{"id": "area_town", "name": "小镇"}, {"id": "area_new", "name": "新区"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps.json"), []byte(updated), 0o644))

	select {
	case wb := <-reloaded:
		_, ok := wb.Areas["area_new"]
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}
