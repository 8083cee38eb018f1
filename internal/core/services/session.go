package services

import (
	"context"
	"fmt"
	"strings"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/ports"
	"github.com/google/uuid"
)

const (
	KeyLastAgentID = "fleet:last_agent_id"
	KeyLastRole    = "fleet:last_role"
)

type Role string

const (
	RoleAgent      Role = "agent"
	RoleDispatcher Role = "dispatcher"
)

// Session remembers the last active agent and role on the device.
type Session struct {
	kv ports.KeyValueStore
}

func NewSession(kv ports.KeyValueStore) *Session {
	return &Session{kv: kv}
}

func (s *Session) Save(ctx context.Context, agentID string, role Role) error {
	if err := s.kv.Put(ctx, KeyLastRole, []byte(role)); err != nil {
		return fmt.Errorf("session: save role: %w", err)
	}
	if agentID == "" {
		return s.kv.Delete(ctx, KeyLastAgentID)
	}
	if err := s.kv.Put(ctx, KeyLastAgentID, []byte(agentID)); err != nil {
		return fmt.Errorf("session: save agent: %w", err)
	}
	return nil
}

func (s *Session) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyLastAgentID); err != nil {
		return err
	}
	return s.kv.Delete(ctx, KeyLastRole)
}

// Restore returns the remembered role and, for agents, the agent as the
// store knows it now. A remembered agent the store no longer has clears the
// session. Store failures are returned with the session kept.
func (s *Session) Restore(ctx context.Context, store ports.SharedStore) (*domain.Agent, Role, error) {
	rawRole, ok, err := s.kv.Get(ctx, KeyLastRole)
	if err != nil || !ok {
		return nil, "", err
	}
	role := Role(rawRole)
	if role != RoleAgent {
		return nil, role, nil
	}

	rawID, ok, err := s.kv.Get(ctx, KeyLastAgentID)
	if err != nil {
		return nil, "", err
	}
	if !ok || len(rawID) == 0 {
		return nil, "", s.Clear(ctx)
	}
	agent, err := store.GetAgent(ctx, string(rawID))
	switch domain.KindOf(err) {
	case domain.KindNone:
		return agent, role, nil
	case domain.KindPermanent:
		logger.Info("Remembered agent is gone, clearing session", "agent_id", string(rawID))
		return nil, "", s.Clear(ctx)
	default:
		return nil, role, err
	}
}

// Register resolves the agent with display name, or creates one with a
// fresh client-side id. Either way the store records a registration.
func Register(ctx context.Context, store ports.SharedStore, name string, pos *domain.Coordinates) (*domain.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name required", domain.ErrPreconditionFailed)
	}

	id := "agent-" + uuid.New().String()
	existing, err := store.FindAgentByName(ctx, name)
	switch domain.KindOf(err) {
	case domain.KindNone:
		id = existing.ID
	case domain.KindPermanent:
	default:
		return nil, fmt.Errorf("register %q: %w", name, err)
	}

	res, err := store.Apply(ctx, domain.Mutation{
		ID:       uuid.New().String(),
		Kind:     domain.MutationRegister,
		AgentID:  id,
		Register: &domain.RegisterPayload{Name: name, Position: pos},
	})
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", name, err)
	}
	logger.Info("Agent registered", "agent_id", id, "name", name, "existing", existing != nil)
	return res.Agent, nil
}
