package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fableforge/internal/combat"
	"fableforge/internal/config"
	"fableforge/internal/graphstore"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
	"fableforge/internal/tools"
	"fableforge/internal/world"
)

// ===== Argument coercion =====
// Planner args arrive as decoded JSON, so numbers are float64 and lists are
// []interface{}. These helpers normalize both shapes.

func argString(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argInt(args map[string]interface{}, key string) (int, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func argFloat(args map[string]interface{}, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func argStrings(args map[string]interface{}, key string) []string {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func argIntMap(args map[string]interface{}, key string) map[string]int {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case map[string]int:
		return v
	case map[string]interface{}:
		out := make(map[string]int, len(v))
		for k, item := range v {
			switch n := item.(type) {
			case int:
				out[k] = n
			case float64:
				out[k] = int(n)
			}
		}
		return out
	default:
		return nil
	}
}

// abilityMod floors (score-10)/2 so odd scores below 10 round down.
func abilityMod(score int) int {
	d := score - 10
	if d < 0 && d%2 != 0 {
		return d/2 - 1
	}
	return d / 2
}

// ===== Registration =====

// registerTools installs the full typed tool surface the planner dispatches
// against.
func (o *Orchestrator) registerTools() error {
	handlers := map[string]tools.Handler{
		"navigate": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doNavigate(ctx, argString(args, "destination"))
		},
		"enter_sublocation": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doEnterSubLocation(ctx, argString(args, "sub_location"))
		},
		"leave_sublocation": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doLeaveSubLocation(ctx)
		},
		"npc_dialogue": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doNPCDialogue(ctx, argString(args, "npc_id"), argString(args, "message"))
		},
		"recall_memory": func(ctx context.Context, args map[string]interface{}) tools.Result {
			scope := argString(args, "scope")
			if cid := argString(args, "character_id"); cid != "" {
				scope = "character:" + cid
			}
			return o.doRecallMemory(ctx, argStrings(args, "seeds"), scope)
		},
		"create_memory": func(ctx context.Context, args map[string]interface{}) tools.Result {
			importance, ok := argFloat(args, "importance")
			if !ok {
				importance = 0.5
			}
			return o.doCreateMemory(ctx, argString(args, "content"), importance,
				argString(args, "scope"), argStrings(args, "related_entities"))
		},
		"update_time": func(ctx context.Context, args map[string]interface{}) tools.Result {
			minutes, ok := argInt(args, "minutes")
			if !ok {
				return tools.Fail("minutes required")
			}
			return o.doUpdateTime(ctx, minutes)
		},
		"heal_player": func(ctx context.Context, args map[string]interface{}) tools.Result {
			amount, _ := argInt(args, "amount")
			return o.doHealPlayer(amount)
		},
		"damage_player": func(ctx context.Context, args map[string]interface{}) tools.Result {
			amount, _ := argInt(args, "amount")
			return o.doDamagePlayer(amount)
		},
		"add_xp": func(ctx context.Context, args map[string]interface{}) tools.Result {
			amount, _ := argInt(args, "amount")
			if amount <= 0 {
				return tools.Fail("amount must be positive")
			}
			o.AddXP(amount)
			o.pmu.Lock()
			defer o.pmu.Unlock()
			return tools.OK(map[string]interface{}{"xp": o.profile.XP, "level": o.profile.Level})
		},
		"add_item": func(ctx context.Context, args map[string]interface{}) tools.Result {
			qty, ok := argInt(args, "quantity")
			if !ok {
				qty = 1
			}
			name := argString(args, "item_name")
			if name == "" {
				name = argString(args, "name")
			}
			return o.doAddItem(argString(args, "item_id"), name, qty)
		},
		"remove_item": func(ctx context.Context, args map[string]interface{}) tools.Result {
			qty, ok := argInt(args, "quantity")
			if !ok {
				qty = 1
			}
			return o.doRemoveItem(argString(args, "item_id"), qty)
		},
		"start_combat": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doStartCombat(ctx, argStrings(args, "enemies"))
		},
		"get_combat_options": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doCombatOptions(ctx, argString(args, "actor_id"))
		},
		"choose_combat_action": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doCombatAction(ctx, argString(args, "actor_id"), argString(args, "action_id"))
		},
		"add_teammate": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doAddTeammate(argString(args, "npc_id"))
		},
		"remove_teammate": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doRemoveTeammate(argString(args, "npc_id"))
		},
		"disband_party": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doDisbandParty()
		},
		"ability_check": func(ctx context.Context, args map[string]interface{}) tools.Result {
			dc, ok := argInt(args, "dc")
			if !ok {
				dc = 10
			}
			return o.doAbilityCheck(argString(args, "ability"), argString(args, "skill"), dc)
		},
		"activate_event": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doActivateEvent(ctx, argString(args, "event_id"))
		},
		"complete_event": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doCompleteEvent(ctx, argString(args, "event_id"), argString(args, "outcome_key"))
		},
		"fail_event": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doFailEvent(ctx, argString(args, "event_id"), argString(args, "reason"))
		},
		"advance_stage": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doAdvanceStage(ctx, argString(args, "event_id"), argString(args, "stage_id"))
		},
		"complete_event_objective": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doCompleteEventObjective(ctx, argString(args, "event_id"), argString(args, "objective_id"))
		},
		"advance_chapter": func(ctx context.Context, args map[string]interface{}) tools.Result {
			target := argString(args, "target_id")
			if target == "" {
				target = argString(args, "chapter_id")
			}
			if tt := argString(args, "transition_type"); tt != "" {
				logging.AdminDebug("Chapter transition type: %s", tt)
			}
			return o.doAdvanceChapter(ctx, target)
		},
		"complete_objective": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doCompleteObjective(argString(args, "objective_id"))
		},
		"update_disposition": func(ctx context.Context, args map[string]interface{}) tools.Result {
			return o.doUpdateDisposition(ctx, argString(args, "npc_id"),
				argIntMap(args, "deltas"), argString(args, "reason"))
		},
		"report_flash_evaluation": func(ctx context.Context, args map[string]interface{}) tools.Result {
			logging.AdminDebug("Flash evaluation: result=%s reason=%s",
				argString(args, "result"), argString(args, "reason"))
			return tools.OK(map[string]interface{}{"recorded": true})
		},
		"generate_scene_image": func(ctx context.Context, args map[string]interface{}) tools.Result {
			desc := argString(args, "scene_description")
			if desc == "" {
				desc = argString(args, "description")
			}
			return o.doGenerateSceneImage(ctx, desc, argString(args, "style"))
		},
	}

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := o.registry.Register(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// ===== Movement =====

func (o *Orchestrator) doNavigate(ctx context.Context, destination string) tools.Result {
	if destination == "" {
		return tools.Fail("destination required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.CombatID != "" {
		return tools.Fail("cannot travel during combat")
	}

	res, err := o.runtime.Navigate(state, destination)
	if err != nil {
		names := make([]string, 0)
		for _, c := range o.runtime.AvailableConnections(state.AreaID) {
			names = append(names, c.Name)
		}
		return tools.Fail(err.Error(), "available_connections", names)
	}

	delta := world.NewDelta("navigate", map[string]interface{}{
		"area_id":         state.AreaID,
		"player_location": state.PlayerLocation,
		"sub_location":    "",
		"game_time":       state.Time,
	})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}

	o.say("你来到了%s（路程%d分钟）。", res.AreaName, res.TravelMinutes)
	if res.FirstVisit {
		o.say("这是你第一次来到这里。")
	}
	return tools.OK(map[string]interface{}{
		"area_id":        res.AreaID,
		"area_name":      res.AreaName,
		"travel_minutes": res.TravelMinutes,
		"game_time":      res.Time.String(),
		"first_visit":    res.FirstVisit,
	})
}

func (o *Orchestrator) doEnterSubLocation(ctx context.Context, idOrName string) tools.Result {
	if idOrName == "" {
		return tools.Fail("sub_location required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	sub, err := o.runtime.EnterSubLocation(state, idOrName)
	if err != nil {
		return tools.Fail(err.Error())
	}
	delta := world.NewDelta("enter_sublocation", map[string]interface{}{
		"sub_location": state.SubLocation,
	})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}
	o.say("你走进了%s。", sub.Name)
	return tools.OK(map[string]interface{}{
		"sub_location":     sub.ID,
		"name":             sub.Name,
		"interaction_type": sub.InteractionType,
	})
}

func (o *Orchestrator) doLeaveSubLocation(ctx context.Context) tools.Result {
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.SubLocation == "" {
		return tools.Fail("not inside a sub-location")
	}
	delta := world.NewDelta("leave_sublocation", map[string]interface{}{"sub_location": ""})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}
	o.say("你回到了外面。")
	return tools.OK(nil)
}

// ===== Dialogue and memory =====

// resolveNPC accepts an id or a display name.
func (o *Orchestrator) resolveNPC(idOrName string) (string, bool) {
	if _, ok := o.runtime.Character(idOrName); ok {
		return idOrName, true
	}
	for _, id := range o.runtime.KnownCharacterIDs() {
		if c, ok := o.runtime.Character(id); ok && strings.EqualFold(c.Name, idOrName) {
			return id, true
		}
	}
	return "", false
}

// doTalk opens a dialogue without a first line.
func (o *Orchestrator) doTalk(ctx context.Context, idOrName string) tools.Result {
	npcID, ok := o.resolveNPC(idOrName)
	if !ok {
		return tools.Fail(fmt.Sprintf("unknown character %q", idOrName),
			"known_characters", o.runtime.KnownCharacterIDs())
	}
	res := o.doNPCDialogue(ctx, npcID, "")
	if res.Success() {
		o.say("你开始与%s交谈。", o.npcName(npcID))
	}
	return res
}

func (o *Orchestrator) doNPCDialogue(ctx context.Context, npcID, message string) tools.Result {
	if npcID == "" {
		return tools.Fail("npc_id required")
	}
	resolved, ok := o.resolveNPC(npcID)
	if !ok {
		return tools.Fail(fmt.Sprintf("unknown character %q", npcID),
			"known_characters", o.runtime.KnownCharacterIDs())
	}
	npcID = resolved

	inst, err := o.pool.GetOrCreate(ctx, o.worldID, npcID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if message != "" {
		inst.Window.AddMessage("user", message)
		o.say("你对%s说：「%s」", o.npcName(npcID), message)
	}
	o.turn.talkedTo[npcID] = true

	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.ActiveDialogueNPC != npcID {
		delta := world.NewDelta("npc_dialogue", map[string]interface{}{
			"active_dialogue_npc": npcID,
			"chat_mode":           "dialogue",
		})
		if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
			return tools.Fail(err.Error())
		}
	}

	// Drain working memory into the graph when the window fills. Failure
	// keeps the dialogue alive; the span stays for the next attempt.
	if inst.Window.ShouldGraphize() {
		span := inst.Window.SelectForGraphize()
		if len(span) > 0 {
			if _, err := o.graphizer.GraphizeSpan(ctx, o.worldID, npcID, state.AreaID, state.Time.Day, inst.Window, span); err != nil {
				logging.Get(logging.CategoryAdmin).Warn("Graphize during dialogue with %s failed: %v", npcID, err)
			}
		}
	}

	return tools.OK(map[string]interface{}{
		"npc_id":         npcID,
		"npc_name":       o.npcName(npcID),
		"window_tokens":  inst.Window.CurrentTokens(),
		"message_count":  inst.Window.MessageCount(),
	})
}

// recallScope maps a tool-facing scope argument onto a graph scope.
func (o *Orchestrator) recallScope(scopeArg string, state *world.GameState) graphstore.Scope {
	switch {
	case scopeArg == "" || scopeArg == "area":
		return graphstore.AreaScope(state.ChapterID, state.AreaID)
	case scopeArg == "world":
		return graphstore.WorldScope()
	case strings.HasPrefix(scopeArg, "character:"):
		return graphstore.CharacterScope(strings.TrimPrefix(scopeArg, "character:"))
	default:
		return graphstore.CharacterScope(scopeArg)
	}
}

func (o *Orchestrator) doRecallMemory(ctx context.Context, seeds []string, scopeArg string) tools.Result {
	if len(seeds) == 0 {
		return tools.Fail("seeds required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	scope := o.recallScope(scopeArg, state)

	g, err := o.graphs.LoadGraph(ctx, o.worldID, scope)
	if err != nil {
		return tools.Fail(err.Error())
	}

	activations := memgraph.Spread(g, seeds, activationConfig(o.cfg.Memory.Activation))
	sub := memgraph.ExtractSubgraph(g, activations)

	nodes := make([]map[string]interface{}, 0, sub.NodeCount())
	for _, n := range sub.Nodes() {
		entry := map[string]interface{}{
			"id":         n.ID,
			"type":       n.Type,
			"name":       n.Name,
			"activation": activations[n.ID],
			"properties": n.Properties,
		}
		o.resolveRef(ctx, g, scope, n, entry)
		nodes = append(nodes, entry)
	}
	sort.Slice(nodes, func(i, j int) bool {
		ai, _ := nodes[i]["activation"].(float64)
		aj, _ := nodes[j]["activation"].(float64)
		if ai != aj {
			return ai > aj
		}
		return nodes[i]["id"].(string) < nodes[j]["id"].(string)
	})

	logging.AdminDebug("Recall: %d seeds -> %d nodes (scope %s)", len(seeds), len(nodes), scopeArg)
	return tools.OK(map[string]interface{}{
		"nodes":      nodes,
		"edge_count": sub.EdgeCount(),
	})
}

// resolveRef follows reference nodes to their target's content. References
// mark cross-scope pointers: type suffixed "_ref" or an id prefixed "ref:".
// Resolution is best effort; a missing target leaves the entry as-is.
func (o *Orchestrator) resolveRef(ctx context.Context, g *memgraph.Graph, scope graphstore.Scope, n *memgraph.Node, entry map[string]interface{}) {
	isRef := strings.HasSuffix(n.Type, "_ref") || strings.HasPrefix(n.ID, "ref:")
	if !isRef {
		return
	}
	targetID := ""
	if n.Properties != nil {
		targetID, _ = n.Properties["target_id"].(string)
	}
	if targetID == "" {
		targetID = strings.TrimPrefix(n.ID, "ref:")
	}
	if targetID == "" || targetID == n.ID {
		return
	}

	target, ok := g.GetNode(targetID)
	if !ok {
		loaded, err := o.graphs.GetNode(ctx, o.worldID, scope, targetID)
		if err != nil || loaded == nil {
			return
		}
		target = loaded
	}
	entry["resolved"] = map[string]interface{}{
		"id":         target.ID,
		"type":       target.Type,
		"name":       target.Name,
		"properties": target.Properties,
	}
}

// activationConfig converts the YAML-facing preset into the engine's.
func activationConfig(c config.ActivationConfig) memgraph.ActivationConfig {
	out := memgraph.DefaultActivationConfig()
	if c.MaxIterations > 0 {
		out.MaxIterations = c.MaxIterations
	}
	if c.Decay > 0 {
		out.Decay = c.Decay
	}
	if c.FireThreshold > 0 {
		out.FireThreshold = c.FireThreshold
	}
	if c.OutputThreshold > 0 {
		out.OutputThreshold = c.OutputThreshold
	}
	if c.HubThreshold > 0 {
		out.HubThreshold = c.HubThreshold
	}
	if c.HubPenalty > 0 {
		out.HubPenalty = c.HubPenalty
	}
	if c.MaxActivation > 0 {
		out.MaxActivation = c.MaxActivation
	}
	if c.ConvergenceThreshold > 0 {
		out.ConvergenceThreshold = c.ConvergenceThreshold
	}
	out.LateralInhibition = c.LateralInhibition
	if c.InhibitionFactor > 0 {
		out.InhibitionFactor = c.InhibitionFactor
	}
	return out
}

func (o *Orchestrator) doCreateMemory(ctx context.Context, content string, importance float64, scopeArg string, related []string) tools.Result {
	if content == "" {
		return tools.Fail("content required")
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	scope := o.recallScope(scopeArg, state)

	node := memgraph.Node{
		ID:         "mem_" + uuid.NewString(),
		Type:       "memory",
		Name:       content,
		Importance: importance,
		Properties: map[string]interface{}{
			"content":  content,
			"day":      state.Time.Day,
			"location": state.AreaID,
		},
	}
	if err := o.graphs.UpsertNode(ctx, o.worldID, scope, node); err != nil {
		return tools.Fail(err.Error())
	}

	linked := make([]string, 0, len(related))
	for _, target := range related {
		existing, err := o.graphs.GetNode(ctx, o.worldID, scope, target)
		if err != nil || existing == nil {
			continue
		}
		edge := memgraph.Edge{
			ID:       "edge_" + uuid.NewString(),
			Source:   node.ID,
			Target:   target,
			Relation: "relates",
			Weight:   0.5,
		}
		if err := o.graphs.UpsertEdge(ctx, o.worldID, scope, edge); err != nil {
			return tools.Fail(err.Error())
		}
		linked = append(linked, target)
	}

	return tools.OK(map[string]interface{}{"node_id": node.ID, "linked": linked})
}

// ===== Time =====

func (o *Orchestrator) doUpdateTime(ctx context.Context, minutes int) tools.Result {
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.CombatID != "" {
		return tools.Fail("cannot advance time during combat")
	}

	norm := world.NormalizeMinutes(minutes)
	next := state.Time.Advance(norm)
	delta := world.NewDelta("update_time", map[string]interface{}{"game_time": next})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}

	o.say("时间流逝了%d分钟，现在是%s。", norm, next)
	return tools.OK(map[string]interface{}{
		"minutes":   norm,
		"game_time": next.String(),
		"day":       next.Day,
		"period":    string(next.Period),
	})
}

// ===== Player sheet =====

func (o *Orchestrator) doHealPlayer(amount int) tools.Result {
	if amount <= 0 {
		return tools.Fail("amount must be positive")
	}
	o.pmu.Lock()
	healed := o.profile.Heal(amount)
	hp, maxHP := o.profile.HP, o.profile.MaxHP
	o.pmu.Unlock()
	o.say("你恢复了%d点生命（%d/%d）。", healed, hp, maxHP)
	return tools.OK(map[string]interface{}{"healed": healed, "hp": hp, "max_hp": maxHP})
}

func (o *Orchestrator) doDamagePlayer(amount int) tools.Result {
	if amount <= 0 {
		return tools.Fail("amount must be positive")
	}
	o.pmu.Lock()
	dealt := o.profile.Damage(amount)
	hp, maxHP := o.profile.HP, o.profile.MaxHP
	o.pmu.Unlock()
	o.say("你受到了%d点伤害（%d/%d）。", dealt, hp, maxHP)
	return tools.OK(map[string]interface{}{"damage": dealt, "hp": hp, "max_hp": maxHP})
}

func (o *Orchestrator) doAddItem(itemID, name string, qty int) tools.Result {
	if itemID == "" {
		return tools.Fail("item_id required")
	}
	if qty <= 0 {
		return tools.Fail("quantity must be positive")
	}
	o.pmu.Lock()
	stack := o.profile.AddItem(itemID, name, qty)
	total := stack.Quantity
	display := stack.Name
	o.pmu.Unlock()
	if display == "" {
		display = itemID
	}
	o.say("获得%s×%d。", display, qty)
	return tools.OK(map[string]interface{}{"item_id": itemID, "quantity": total})
}

func (o *Orchestrator) doRemoveItem(itemID string, qty int) tools.Result {
	if itemID == "" {
		return tools.Fail("item_id required")
	}
	if qty <= 0 {
		return tools.Fail("quantity must be positive")
	}
	o.pmu.Lock()
	err := o.profile.RemoveItem(itemID, qty)
	o.pmu.Unlock()
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]interface{}{"item_id": itemID, "removed": qty})
}

// ===== Party =====

func (o *Orchestrator) doAddTeammate(npcID string) tools.Result {
	resolved, ok := o.resolveNPC(npcID)
	if !ok {
		return tools.Fail(fmt.Sprintf("unknown character %q", npcID))
	}
	o.pmu.Lock()
	defer o.pmu.Unlock()
	if o.profile.InParty(resolved) {
		return tools.Fail(fmt.Sprintf("%s is already in the party", resolved))
	}
	o.profile.Party = append(o.profile.Party, resolved)
	o.say("%s加入了队伍。", o.npcName(resolved))
	return tools.OK(map[string]interface{}{"party": append([]string{}, o.profile.Party...)})
}

func (o *Orchestrator) doRemoveTeammate(npcID string) tools.Result {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	for i, id := range o.profile.Party {
		if id == npcID {
			o.profile.Party = append(o.profile.Party[:i], o.profile.Party[i+1:]...)
			o.say("%s离开了队伍。", o.npcName(npcID))
			return tools.OK(map[string]interface{}{"party": append([]string{}, o.profile.Party...)})
		}
	}
	return tools.Fail(fmt.Sprintf("%s is not in the party", npcID))
}

func (o *Orchestrator) doDisbandParty() tools.Result {
	o.pmu.Lock()
	n := len(o.profile.Party)
	o.profile.Party = nil
	o.pmu.Unlock()
	if n > 0 {
		o.say("队伍解散了。")
	}
	return tools.OK(map[string]interface{}{"removed": n})
}

// ===== Checks =====

func (o *Orchestrator) doAbilityCheck(ability, skill string, dc int) tools.Result {
	if ability == "" {
		return tools.Fail("ability required")
	}
	o.pmu.Lock()
	score, ok := o.profile.Abilities[ability]
	o.pmu.Unlock()
	if !ok {
		return tools.Fail(fmt.Sprintf("unknown ability %q", ability))
	}
	mod := abilityMod(score)
	roll := o.roller.Roll(20)
	total := roll + mod
	success := total >= dc

	label := ability
	if skill != "" {
		label = skill
	}
	if success {
		o.say("%s检定成功（%d+%d=%d ≥ DC%d）。", label, roll, mod, total, dc)
	} else {
		o.say("%s检定失败（%d+%d=%d < DC%d）。", label, roll, mod, total, dc)
	}
	return tools.OK(map[string]interface{}{
		"ability": ability,
		"skill":   skill,
		"roll":    roll,
		"mod":     mod,
		"total":   total,
		"dc":      dc,
		"success": success,
	})
}

// ===== Combat bridge =====

func (o *Orchestrator) doStartCombat(ctx context.Context, enemies []string) tools.Result {
	if len(enemies) == 0 {
		return tools.Fail("enemies required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.CombatID != "" {
		return tools.Fail("combat already in progress", "combat_id", state.CombatID)
	}

	o.pmu.Lock()
	player := combat.PlayerState{
		Combatant: combat.Combatant{
			ID:          "player",
			Name:        o.profile.Name,
			Kind:        combat.KindPlayer,
			HP:          o.profile.HP,
			MaxHP:       o.profile.MaxHP,
			AC:          o.profile.AC,
			AttackBonus: o.profile.AttackBonus,
			DamageDice:  o.profile.DamageDice,
			DamageBonus: o.profile.DamageBonus,
			DamageType:  o.profile.DamageType,
			Abilities:   o.profile.Abilities,
		},
		Gold: o.profile.Gold,
	}
	party := append([]string{}, o.profile.Party...)
	o.pmu.Unlock()

	allies := make([]combat.Combatant, 0, len(party))
	for _, npcID := range party {
		allies = append(allies, combat.Combatant{
			ID:          npcID,
			Name:        o.npcName(npcID),
			Kind:        combat.KindAlly,
			HP:          12,
			MaxHP:       12,
			AC:          12,
			AttackBonus: 2,
			DamageDice:  "1d6",
			DamageBonus: 1,
			DamageType:  "slashing",
		})
	}

	areaName := state.AreaID
	if a, ok := o.runtime.Area(state.AreaID); ok {
		areaName = a.Name
	}
	s, err := o.combatEngine.StartCombat(enemies, player, allies, areaName)
	if err != nil {
		return tools.Fail(err.Error())
	}

	delta := world.NewDelta("start_combat", map[string]interface{}{
		"combat_id": s.ID,
		"chat_mode": "combat",
	})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}
	o.say("战斗开始！")

	payload := map[string]interface{}{
		"combat_id":  s.ID,
		"turn_order": append([]string{}, s.TurnOrder...),
		"state":      string(s.State),
		"log":        append([]string{}, s.Log...),
	}
	if s.State == combat.StateEnded {
		// Enemies could act first and finish the fight before any input.
		summary, ferr := o.finishCombat(ctx, s.ID)
		if ferr != nil {
			return tools.Fail(ferr.Error())
		}
		payload["result"] = summary
	}
	return tools.OK(payload)
}

func (o *Orchestrator) doCombatOptions(ctx context.Context, actorID string) tools.Result {
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.CombatID == "" {
		return tools.Fail("no active combat")
	}
	if actorID == "" {
		actorID = "player"
	}
	options, err := o.combatEngine.AvailableActionsForActor(state.CombatID, actorID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]interface{}{"actor_id": actorID, "options": options})
}

func (o *Orchestrator) doCombatAction(ctx context.Context, actorID, actionID string) tools.Result {
	if actionID == "" {
		return tools.Fail("action_id required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if state.CombatID == "" {
		return tools.Fail("no active combat")
	}
	if actorID == "" {
		actorID = "player"
	}

	res, err := o.combatEngine.ExecuteActionForActor(state.CombatID, actorID, actionID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if res.Error != "" {
		return tools.Fail(res.Error)
	}

	payload := map[string]interface{}{
		"action": res,
		"state":  string(res.State),
	}
	if res.State == combat.StateEnded {
		summary, ferr := o.finishCombat(ctx, state.CombatID)
		if ferr != nil {
			return tools.Fail(ferr.Error())
		}
		payload["result"] = summary
	}
	return tools.OK(payload)
}

// finishCombat folds an ended session's rewards and penalties back into the
// player sheet and unbinds the session.
func (o *Orchestrator) finishCombat(ctx context.Context, combatID string) (map[string]interface{}, error) {
	playerHP := -1
	if s, err := o.combatEngine.Session(combatID); err == nil {
		if p, ok := s.Combatant("player"); ok {
			playerHP = p.HP
		}
	}

	result, err := o.combatEngine.Resolve(combatID)
	if err != nil {
		return nil, err
	}

	o.pmu.Lock()
	leveledTo := 0
	switch result.EndReason {
	case combat.EndVictory:
		if playerHP > 0 {
			o.profile.HP = playerHP
		}
		leveledTo = o.profile.AddXP(result.XPReward)
		o.profile.Gold += result.GoldReward
	case combat.EndDefeat:
		o.profile.Gold -= result.GoldLost
		if o.profile.Gold < 0 {
			o.profile.Gold = 0
		}
		o.profile.HP = 1
	default:
		if playerHP > 0 {
			o.profile.HP = playerHP
		}
	}
	o.pmu.Unlock()

	changes := map[string]interface{}{"combat_id": "", "chat_mode": ""}
	if result.EndReason == combat.EndDefeat && result.RespawnAt != "" {
		if _, ok := o.runtime.Area(result.RespawnAt); ok {
			changes["area_id"] = result.RespawnAt
			changes["player_location"] = result.RespawnAt
			changes["sub_location"] = ""
		}
	}
	delta := world.NewDelta("end_combat", changes)
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return nil, err
	}

	switch result.EndReason {
	case combat.EndVictory:
		if result.XPReward > 0 {
			o.say("获得 %d 点经验。", result.XPReward)
		}
		if result.GoldReward > 0 {
			o.say("获得 %d 枚金币。", result.GoldReward)
		}
		if leveledTo > 0 {
			o.say("等级提升到 %d 级！", leveledTo)
		}
	case combat.EndDefeat:
		if result.GoldLost > 0 {
			o.say("你失去了 %d 枚金币。", result.GoldLost)
		}
		if result.RespawnAt != "" {
			o.say("你在%s苏醒。", result.RespawnAt)
		}
	case combat.EndFled:
		o.say("你成功撤离了战斗。")
	}

	return map[string]interface{}{
		"end_reason":  string(result.EndReason),
		"rounds":      result.Rounds,
		"xp_reward":   result.XPReward,
		"gold_reward": result.GoldReward,
		"gold_lost":   result.GoldLost,
		"respawn_at":  result.RespawnAt,
		"log":         result.Log,
	}, nil
}

// ===== Behavior events =====

func (o *Orchestrator) eventFacts(ctx context.Context) (world.TurnFacts, error) {
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return world.TurnFacts{}, err
	}
	return o.turnFacts(ctx, state)
}

func (o *Orchestrator) doActivateEvent(ctx context.Context, eventID string) tools.Result {
	if eventID == "" {
		return tools.Fail("event_id required")
	}
	facts, err := o.eventFacts(ctx)
	if err != nil {
		return tools.Fail(err.Error())
	}
	def, err := o.eventEngine.Activate(ctx, eventID, facts, o)
	if err != nil {
		return tools.Fail(err.Error())
	}
	o.say("事件「%s」开始了。", def.Name)
	return tools.OK(map[string]interface{}{
		"event_id":      def.ID,
		"status":        string(def.Status),
		"current_stage": def.CurrentStage,
	})
}

func (o *Orchestrator) doCompleteEvent(ctx context.Context, eventID, outcomeKey string) tools.Result {
	if eventID == "" {
		return tools.Fail("event_id required")
	}
	facts, err := o.eventFacts(ctx)
	if err != nil {
		return tools.Fail(err.Error())
	}
	def, transitions, err := o.eventEngine.Complete(ctx, eventID, outcomeKey, facts, o)
	if err != nil {
		return tools.Fail(err.Error())
	}
	o.say("事件「%s」完成了。", def.Name)

	unlocked := make([]string, 0)
	for _, tr := range transitions {
		if tr.To == world.EventAvailable {
			unlocked = append(unlocked, tr.EventID)
		}
	}
	return tools.OK(map[string]interface{}{
		"event_id": def.ID,
		"status":   string(def.Status),
		"outcome":  def.Outcome,
		"unlocked": unlocked,
	})
}

func (o *Orchestrator) doFailEvent(ctx context.Context, eventID, reason string) tools.Result {
	if eventID == "" {
		return tools.Fail("event_id required")
	}
	facts, err := o.eventFacts(ctx)
	if err != nil {
		return tools.Fail(err.Error())
	}
	def, err := o.eventEngine.Fail(ctx, eventID, reason, facts, o)
	if err != nil {
		return tools.Fail(err.Error())
	}
	o.say("事件「%s」失败了。", def.Name)
	return tools.OK(map[string]interface{}{
		"event_id":       def.ID,
		"status":         string(def.Status),
		"failure_reason": def.FailureReason,
	})
}

func (o *Orchestrator) doAdvanceStage(ctx context.Context, eventID, stageID string) tools.Result {
	if eventID == "" || stageID == "" {
		return tools.Fail("event_id and stage_id required")
	}
	def, err := o.eventEngine.AdvanceStage(ctx, eventID, stageID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]interface{}{
		"event_id":      def.ID,
		"current_stage": def.CurrentStage,
	})
}

func (o *Orchestrator) doCompleteEventObjective(ctx context.Context, eventID, objectiveID string) tools.Result {
	if eventID == "" || objectiveID == "" {
		return tools.Fail("event_id and objective_id required")
	}
	def, err := o.eventEngine.CompleteObjective(ctx, eventID, objectiveID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]interface{}{
		"event_id":           def.ID,
		"objective_progress": def.ObjectiveProgress,
	})
}

// ===== Chapter progression =====

func (o *Orchestrator) doAdvanceChapter(ctx context.Context, chapterID string) tools.Result {
	if chapterID == "" {
		return tools.Fail("chapter_id required")
	}
	ch, ok := o.runtime.Chapter(chapterID)
	if !ok {
		return tools.Fail(fmt.Sprintf("unknown chapter %q", chapterID))
	}
	delta := world.NewDelta("advance_chapter", map[string]interface{}{"chapter_id": chapterID})
	if _, err := o.sessions.ApplyDelta(ctx, o.worldID, o.sessionID, delta); err != nil {
		return tools.Fail(err.Error())
	}
	o.say("进入新章节：%s。", ch.Name)
	return tools.OK(map[string]interface{}{
		"chapter_id":     ch.ID,
		"name":           ch.Name,
		"available_maps": append([]string{}, ch.AvailableMaps...),
	})
}

func (o *Orchestrator) doCompleteObjective(objectiveID string) tools.Result {
	if objectiveID == "" {
		return tools.Fail("objective_id required")
	}
	o.pmu.Lock()
	if o.profile.ObjectivesDone == nil {
		o.profile.ObjectivesDone = make(map[string]bool)
	}
	already := o.profile.ObjectivesDone[objectiveID]
	o.profile.ObjectivesDone[objectiveID] = true
	o.pmu.Unlock()
	if already {
		return tools.Fail(fmt.Sprintf("objective %q already completed", objectiveID))
	}
	return tools.OK(map[string]interface{}{"objective_id": objectiveID})
}

// ===== Dispositions =====

func (o *Orchestrator) doUpdateDisposition(ctx context.Context, npcID string, deltas map[string]int, reason string) tools.Result {
	if npcID == "" {
		return tools.Fail("npc_id required")
	}
	if len(deltas) == 0 {
		return tools.Fail("deltas required")
	}
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return tools.Fail(err.Error())
	}

	d, err := LoadDisposition(ctx, o.store, o.worldID, npcID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	applied := d.ApplyDeltas(deltas, reason, state.Time.Day)
	if err := SaveDisposition(ctx, o.store, o.worldID, npcID, d); err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]interface{}{
		"npc_id":  npcID,
		"applied": applied,
		"disposition": map[string]interface{}{
			"approval": d.Approval,
			"trust":    d.Trust,
			"fear":     d.Fear,
			"romance":  d.Romance,
		},
	})
}

// ===== Images =====

func (o *Orchestrator) doGenerateSceneImage(ctx context.Context, description, style string) tools.Result {
	if o.images == nil {
		return tools.Fail("image generation unavailable")
	}
	if description == "" {
		return tools.Fail("description required")
	}
	ref, err := o.images.Generate(ctx, description, style)
	if err != nil {
		return tools.Fail(err.Error())
	}
	o.turn.images = append(o.turn.images, ref)
	return tools.OK(map[string]interface{}{"image": ref})
}
