package agent

import (
	"errors"
	"testing"

	"agentplane/internal/model"
	"agentplane/internal/org"
)

func newServices(t *testing.T) (*Service, model.Organization) {
	t.Helper()
	orgs := org.NewService(nil)
	o, err := orgs.Create("acme", nil)
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	return NewService(nil, orgs), o
}

func TestRegisterAndGet(t *testing.T) {
	svc, o := newServices(t)

	a, err := svc.Register(o.OrgID, "worker", model.RoleExecutor, "user-7", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.AgentID == "" {
		t.Error("agent ID should be assigned")
	}
	if !a.Active {
		t.Error("new agent should be active")
	}
	if a.DelegatedUserID != "user-7" {
		t.Errorf("delegated user = %q", a.DelegatedUserID)
	}

	got, ok, err := svc.Get(o.OrgID, a.AgentID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "worker" {
		t.Errorf("name = %q", got.Name)
	}

	byID, ok, err := svc.GetByID(a.AgentID)
	if err != nil || !ok {
		t.Fatalf("get by id: ok=%v err=%v", ok, err)
	}
	if byID.OrgID != o.OrgID {
		t.Errorf("org = %q", byID.OrgID)
	}
}

func TestRegisterDefaultsRole(t *testing.T) {
	svc, o := newServices(t)
	a, err := svc.Register(o.OrgID, "worker", "", "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Role != model.RoleExecutor {
		t.Errorf("role = %q, want executor", a.Role)
	}
}

func TestRegisterRequiresOrg(t *testing.T) {
	svc, _ := newServices(t)
	_, err := svc.Register("no-such-org", "worker", model.RoleExecutor, "", nil)
	var notFound *model.OrgNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *model.OrgNotFoundError", err)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	svc, o := newServices(t)
	if _, err := svc.Register(o.OrgID, "", model.RoleExecutor, "", nil); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := svc.Register(o.OrgID, "worker", "superuser", "", nil); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestListScopedToOrg(t *testing.T) {
	orgs := org.NewService(nil)
	o1, _ := orgs.Create("acme", nil)
	o2, _ := orgs.Create("globex", nil)
	svc := NewService(nil, orgs)

	for i := 0; i < 2; i++ {
		if _, err := svc.Register(o1.OrgID, "worker", model.RoleExecutor, "", nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if _, err := svc.Register(o2.OrgID, "worker", model.RoleExecutor, "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.List(o1.OrgID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("list = %d agents, want 2", len(got))
	}
}

func TestDeactivateIsOneWay(t *testing.T) {
	svc, o := newServices(t)
	a, err := svc.Register(o.OrgID, "worker", model.RoleExecutor, "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ok, err := svc.Deactivate(o.OrgID, a.AgentID)
	if err != nil || !ok {
		t.Fatalf("deactivate: ok=%v err=%v", ok, err)
	}

	active, err := svc.IsActive(o.OrgID, a.AgentID)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Error("deactivated agent should not be active")
	}

	// The record survives; only the flag flips.
	got, ok, _ := svc.Get(o.OrgID, a.AgentID)
	if !ok || got.Active {
		t.Errorf("got = %+v, want retained inactive record", got)
	}

	if ok, _ := svc.Deactivate(o.OrgID, "missing"); ok {
		t.Error("deactivating a missing agent should report false")
	}
}
