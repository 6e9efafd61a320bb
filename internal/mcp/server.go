// Package mcp exports the combat engine as named JSON tools, the surface a
// model-context-protocol host registers against. Every call returns a
// uniform envelope so remote callers never see transport-level Go errors.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"fableforge/internal/combat"
	"fableforge/internal/logging"
)

// ToolSpec describes one exported tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Response is the uniform call envelope.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Server dispatches combat tool calls against one engine.
type Server struct {
	engine   *combat.Engine
	handlers map[string]handler
	specs    []ToolSpec
}

// NewServer registers the combat tool set over the given engine.
func NewServer(engine *combat.Engine) *Server {
	s := &Server{engine: engine, handlers: make(map[string]handler)}

	s.register("start_combat_session", "Start a combat encounter from enemy templates", s.startCombatSession)
	s.register("resolve_combat_session", "Collect the result of an ended combat and release it", s.resolveCombatSession)
	s.register("get_available_actions", "Legal actions for the player", s.getAvailableActions)
	s.register("get_available_actions_for_actor", "Legal actions for any combatant", s.getAvailableActionsForActor)
	s.register("execute_action", "Execute a player action", s.executeAction)
	s.register("execute_action_for_actor", "Execute an action for any combatant", s.executeActionForActor)
	s.register("get_combat_state", "Snapshot a live combat session", s.getCombatState)

	sort.Slice(s.specs, func(i, j int) bool { return s.specs[i].Name < s.specs[j].Name })
	return s
}

func (s *Server) register(name, description string, h handler) {
	s.handlers[name] = h
	s.specs = append(s.specs, ToolSpec{Name: name, Description: description})
}

// Tools lists the exported tool specs, sorted by name.
func (s *Server) Tools() []ToolSpec {
	return append([]ToolSpec{}, s.specs...)
}

// Call runs one tool. The returned bytes always decode into Response.
func (s *Server) Call(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	h, ok := s.handlers[name]
	if !ok {
		return errorEnvelope(fmt.Sprintf("unknown tool %q", name))
	}
	data, err := h(ctx, args)
	if err != nil {
		logging.ToolsDebug("MCP %s failed: %v", name, err)
		return errorEnvelope(err.Error())
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errorEnvelope(fmt.Sprintf("encode %s response: %v", name, err))
	}
	out, err := json.Marshal(Response{Success: true, Data: raw})
	if err != nil {
		return errorEnvelope(fmt.Sprintf("encode %s envelope: %v", name, err))
	}
	return out
}

func errorEnvelope(msg string) json.RawMessage {
	out, err := json.Marshal(Response{Error: msg})
	if err != nil {
		return json.RawMessage(`{"success":false,"error":"internal encode failure"}`)
	}
	return out
}

// ===== Requests =====

// StartCombatArgs seeds an encounter.
type StartCombatArgs struct {
	Enemies     []string           `json:"enemies"`
	Player      combat.PlayerState `json:"player"`
	Allies      []combat.Combatant `json:"allies,omitempty"`
	Environment string             `json:"environment,omitempty"`
}

// SessionArgs addresses one session.
type SessionArgs struct {
	CombatID string `json:"combat_id"`
}

// ActorArgs addresses one combatant in a session.
type ActorArgs struct {
	CombatID string `json:"combat_id"`
	ActorID  string `json:"actor_id"`
}

// ExecuteArgs names a player action.
type ExecuteArgs struct {
	CombatID string `json:"combat_id"`
	ActionID string `json:"action_id"`
}

// ExecuteForActorArgs names any combatant's action.
type ExecuteForActorArgs struct {
	CombatID string `json:"combat_id"`
	ActorID  string `json:"actor_id"`
	ActionID string `json:"action_id"`
}

// SessionView is the JSON snapshot of a session.
type SessionView struct {
	CombatID            string                `json:"combat_id"`
	State               combat.State          `json:"state"`
	Round               int                   `json:"round"`
	TurnOrder           []string              `json:"turn_order"`
	Combatants          []*combat.Combatant   `json:"combatants"`
	Log                 []string              `json:"log"`
	PendingTurnRequests []combat.TurnRequest  `json:"pending_turn_requests,omitempty"`
}

func sessionView(s *combat.Session) *SessionView {
	return &SessionView{
		CombatID:            s.ID,
		State:               s.State,
		Round:               s.CurrentRound,
		TurnOrder:           append([]string{}, s.TurnOrder...),
		Combatants:          s.Combatants,
		Log:                 append([]string{}, s.Log...),
		PendingTurnRequests: append([]combat.TurnRequest{}, s.PendingTurnRequests...),
	}
}

// ===== Handlers =====

func (s *Server) startCombatSession(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req StartCombatArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode start_combat_session args: %w", err)
	}
	session, err := s.engine.StartCombat(req.Enemies, req.Player, req.Allies, req.Environment)
	if err != nil {
		return nil, err
	}
	return sessionView(session), nil
}

func (s *Server) resolveCombatSession(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req SessionArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode resolve_combat_session args: %w", err)
	}
	return s.engine.Resolve(req.CombatID)
}

func (s *Server) getAvailableActions(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req SessionArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode get_available_actions args: %w", err)
	}
	return s.engine.AvailableActions(req.CombatID)
}

func (s *Server) getAvailableActionsForActor(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req ActorArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode get_available_actions_for_actor args: %w", err)
	}
	return s.engine.AvailableActionsForActor(req.CombatID, req.ActorID)
}

func (s *Server) executeAction(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req ExecuteArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode execute_action args: %w", err)
	}
	return s.engine.ExecuteAction(req.CombatID, req.ActionID)
}

func (s *Server) executeActionForActor(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req ExecuteForActorArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode execute_action_for_actor args: %w", err)
	}
	return s.engine.ExecuteActionForActor(req.CombatID, req.ActorID, req.ActionID)
}

func (s *Server) getCombatState(_ context.Context, args json.RawMessage) (interface{}, error) {
	var req SessionArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode get_combat_state args: %w", err)
	}
	session, err := s.engine.Session(req.CombatID)
	if err != nil {
		return nil, err
	}
	return sessionView(session), nil
}
