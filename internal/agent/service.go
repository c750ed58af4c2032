// Package agent manages agent identities: registration, lookup, and the
// one-way deactivation the runtime observes on every execution.
package agent

import (
	"log/slog"

	"agentplane/internal/model"
	"agentplane/internal/store"
)

// OrgChecker reports whether an organization exists. Satisfied by
// *org.Service and by remote control-plane clients.
type OrgChecker interface {
	Exists(orgID string) (bool, error)
}

// Service provides agent identity management on top of a Store. Keys are
// "<org_id>:<agent_id>" so org-scoped listings are a prefix scan.
type Service struct {
	store store.Store[model.AgentIdentity]
	orgs  OrgChecker
}

// NewService creates an agent service. A nil store gets an in-memory one;
// a nil orgs checker disables the registration-time org existence check.
func NewService(s store.Store[model.AgentIdentity], orgs OrgChecker) *Service {
	if s == nil {
		s = store.NewMemoryStore[model.AgentIdentity]()
	}
	return &Service{store: s, orgs: orgs}
}

func agentKey(orgID, agentID string) string {
	return orgID + ":" + agentID
}

// Register creates a new active agent under an existing organization.
func (s *Service) Register(orgID, name string, role model.AgentRole, delegatedUserID string, tokenClaims map[string]any) (model.AgentIdentity, error) {
	name, err := model.ValidateName(name, "agent_name")
	if err != nil {
		return model.AgentIdentity{}, err
	}
	if role == "" {
		role = model.RoleExecutor
	}
	if _, err := model.ValidateRole(string(role), "role"); err != nil {
		return model.AgentIdentity{}, err
	}
	if s.orgs != nil {
		ok, err := s.orgs.Exists(orgID)
		if err != nil {
			return model.AgentIdentity{}, err
		}
		if !ok {
			return model.AgentIdentity{}, &model.OrgNotFoundError{OrgID: orgID}
		}
	}

	agent := model.AgentIdentity{
		AgentID:         model.NewID(),
		OrgID:           orgID,
		Name:            name,
		Role:            role,
		DelegatedUserID: delegatedUserID,
		TokenClaims:     tokenClaims,
		CreatedAt:       model.Now(),
		Active:          true,
	}
	if err := s.store.Put(agentKey(orgID, agent.AgentID), agent); err != nil {
		return model.AgentIdentity{}, err
	}
	slog.Info("agent registered",
		"agent_id", agent.AgentID,
		"org_id", orgID,
		"name", name,
		"role", role,
		"delegated_user_id", delegatedUserID)
	return agent, nil
}

// Get returns the agent under (orgID, agentID).
func (s *Service) Get(orgID, agentID string) (model.AgentIdentity, bool, error) {
	return s.store.Get(agentKey(orgID, agentID))
}

// GetByID scans all orgs for an agent with the given ID.
func (s *Service) GetByID(agentID string) (model.AgentIdentity, bool, error) {
	all, err := s.store.List("")
	if err != nil {
		return model.AgentIdentity{}, false, err
	}
	for _, a := range all {
		if a.AgentID == agentID {
			return a, true, nil
		}
	}
	return model.AgentIdentity{}, false, nil
}

// List returns the agents registered under an organization.
func (s *Service) List(orgID string) ([]model.AgentIdentity, error) {
	return s.store.List(orgID + ":")
}

// Deactivate marks an agent inactive. The transition is one-way: there is
// no reactivation path, and the runtime rejects inactive agents.
func (s *Service) Deactivate(orgID, agentID string) (bool, error) {
	a, ok, err := s.Get(orgID, agentID)
	if err != nil || !ok {
		return false, err
	}
	a.Active = false
	if err := s.store.Put(agentKey(orgID, agentID), a); err != nil {
		return false, err
	}
	slog.Info("agent deactivated", "agent_id", agentID, "org_id", orgID)
	return true, nil
}

// IsActive reports whether the agent exists and is active.
func (s *Service) IsActive(orgID, agentID string) (bool, error) {
	a, ok, err := s.Get(orgID, agentID)
	if err != nil {
		return false, err
	}
	return ok && a.Active, nil
}
