// Package org manages organizations, the top-level principals that own
// agents, policies, and budgets.
package org

import (
	"log/slog"

	"agentplane/internal/model"
	"agentplane/internal/store"
)

// Service provides organization CRUD on top of a Store.
type Service struct {
	store store.Store[model.Organization]
}

// NewService creates an org service. A nil store gets an in-memory one.
func NewService(s store.Store[model.Organization]) *Service {
	if s == nil {
		s = store.NewMemoryStore[model.Organization]()
	}
	return &Service{store: s}
}

// Create registers a new organization with the given display name.
func (s *Service) Create(name string, metadata map[string]any) (model.Organization, error) {
	name, err := model.ValidateName(name, "org_name")
	if err != nil {
		return model.Organization{}, err
	}
	org := model.Organization{
		OrgID:     model.NewID(),
		Name:      name,
		CreatedAt: model.Now(),
		Metadata:  metadata,
	}
	if err := s.store.Put(org.OrgID, org); err != nil {
		return model.Organization{}, err
	}
	slog.Info("org created", "org_id", org.OrgID, "name", name)
	return org, nil
}

// Get returns the organization with the given ID.
func (s *Service) Get(orgID string) (model.Organization, bool, error) {
	return s.store.Get(orgID)
}

// List returns all organizations in creation order.
func (s *Service) List() ([]model.Organization, error) {
	return s.store.List("")
}

// Delete removes an organization and reports whether it existed.
func (s *Service) Delete(orgID string) (bool, error) {
	deleted, err := s.store.Delete(orgID)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("org deleted", "org_id", orgID)
	}
	return deleted, nil
}

// Exists reports whether the organization is registered.
func (s *Service) Exists(orgID string) (bool, error) {
	return s.store.Exists(orgID)
}
