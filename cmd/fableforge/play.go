package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fableforge/internal/admin"
	"fableforge/internal/combat"
	"fableforge/internal/config"
	"fableforge/internal/kv"
	"fableforge/internal/world"
)

// session bundles everything a CLI command needs to process turns.
type session struct {
	cfg     *config.Config
	orch    *admin.Orchestrator
	watcher *world.Watcher
	store   kv.Store
}

func (s *session) close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	_ = s.store.Close()
}

// setup wires config, store, worldbook, and orchestrator.
func setup(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.World.DataDir = dataDir
	}
	if dbPath != "" {
		cfg.Store.DatabasePath = dbPath
	}

	var store kv.Store
	if inMemory {
		store = kv.NewMemoryStore()
	} else {
		s, err := kv.NewSQLiteStore(cfg.Store.DatabasePath, cfg.Store.BatchLimit)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = s
	}

	book, err := world.LoadWorldbook(cfg.World.DataDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Info("No worldbook data found, using the built-in demo world",
			zap.String("data_dir", cfg.World.DataDir))
		book = demoWorldbook()
	}
	runtime := world.NewRuntime(book)

	orch, err := admin.New(admin.Options{
		Config:  cfg,
		Store:   store,
		Runtime: runtime,
	})
	if err != nil {
		return nil, err
	}
	for _, tmpl := range demoEnemies() {
		orch.RegisterEnemyTemplate(tmpl)
	}

	worldID := "default"
	sessionID := "sess_" + uuid.NewString()
	if err := book.Bootstrap(ctx, orch.Graphs(), worldID); err != nil {
		return nil, err
	}
	if _, err := orch.StartSession(ctx, worldID, sessionID); err != nil {
		return nil, err
	}
	logger.Info("Session started",
		zap.String("world", worldID),
		zap.String("session", sessionID))

	s := &session{cfg: cfg, orch: orch, store: store}
	if cfg.World.WatchData {
		w, err := world.NewWatcher(cfg.World.DataDir, runtime.SwapWorldbook)
		if err != nil {
			logger.Warn("Worldbook watcher unavailable", zap.Error(err))
		} else {
			s.watcher = w
		}
	}
	return s, nil
}

// runPlay is the interactive loop.
func runPlay() error {
	ctx := context.Background()
	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Println(titleStyle.Render("fableforge"))
	fmt.Println(statusStyle.Render("输入指令开始冒险；/where 查看位置，/quit 退出。"))
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("> "))
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		resp, err := s.orch.ProcessInput(ctx, input)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			continue
		}
		renderTurn(resp)
	}
	return scanner.Err()
}

func renderTurn(resp *admin.TurnResponse) {
	if resp.Text != "" {
		fmt.Println(narrationStyle.Render(resp.Text))
	}
	for _, tr := range resp.Transitions {
		fmt.Println(eventStyle.Render(
			fmt.Sprintf("· 事件 %s：%s → %s", tr.EventID, tr.From, tr.To)))
	}
	if resp.CombatID != "" {
		fmt.Println(combatStyle.Render("⚔ 战斗进行中"))
	}
	for _, img := range resp.Images {
		fmt.Println(statusStyle.Render("🖼 " + img))
	}
	fmt.Println()
}

// runOnce processes a single input and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.orch.ProcessInput(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	renderTurn(resp)
	for _, rec := range resp.Records {
		status := "ok"
		if !rec.Success {
			status = "err: " + rec.Error
		}
		fmt.Println(statusStyle.Render(
			fmt.Sprintf("  %-24s %8s  %s", rec.Name, rec.Duration.Round(time.Millisecond), status)))
	}
	return nil
}

// listTools prints the registered tool names.
func listTools(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	names := s.orch.Registry().Names()
	sort.Strings(names)
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d tools registered", len(names))))
	for _, name := range names {
		fmt.Println("  " + name)
	}
	return nil
}

// demoWorldbook is a minimal playable world for first runs without data.
func demoWorldbook() *world.Worldbook {
	return &world.Worldbook{
		Areas: map[string]*world.Area{
			"area_town": {
				ID: "area_town", Name: "青石镇", Danger: "low",
				Connections: []world.Connection{
					{To: "area_forest", Name: "林间小径", TravelMinutes: 25},
				},
				SubLocations: []world.SubLocation{
					{ID: "sub_inn", Name: "老橡树旅店", InteractionType: "rest"},
					{ID: "sub_shop", Name: "杂货铺", InteractionType: "shop"},
				},
			},
			"area_forest": {
				ID: "area_forest", Name: "低语森林", Danger: "medium",
				Connections: []world.Connection{
					{To: "area_town", Name: "回镇路", TravelMinutes: 25},
				},
			},
		},
		Chapters: map[string]*world.Chapter{
			"ch1": {ID: "ch1", Name: "旅程的开始", AvailableMaps: []string{"area_town", "area_forest"}},
		},
		Characters: map[string]*world.CharacterDef{
			"npc_elder": {ID: "npc_elder", Name: "镇长艾德温", HomeAreaID: "area_town",
				Persona: "沉稳的老镇长，关心镇子的安危"},
		},
	}
}

// demoEnemies registers a small bestiary for start_combat.
func demoEnemies() []combat.Combatant {
	return []combat.Combatant{
		{
			ID: "goblin", Name: "哥布林", Kind: combat.KindEnemy,
			HP: 10, MaxHP: 10, AC: 12,
			AttackBonus: 2, DamageDice: "1d6", DamageBonus: 1, DamageType: "slashing",
			XPReward: 25, GoldReward: 5,
		},
		{
			ID: "wolf", Name: "野狼", Kind: combat.KindEnemy,
			HP: 12, MaxHP: 12, AC: 13,
			AttackBonus: 3, DamageDice: "1d6", DamageBonus: 2, DamageType: "piercing",
			XPReward: 30, GoldReward: 0,
		},
		{
			ID: "skeleton", Name: "骷髅兵", Kind: combat.KindEnemy,
			HP: 13, MaxHP: 13, AC: 13,
			AttackBonus: 2, DamageDice: "1d6", DamageBonus: 1, DamageType: "slashing",
			Resistances: []string{"piercing"}, Vulnerabilities: []string{"bludgeoning"},
			XPReward: 35, GoldReward: 8,
		},
	}
}
