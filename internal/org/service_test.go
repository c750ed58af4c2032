package org

import "testing"

func TestCreateGetDelete(t *testing.T) {
	svc := NewService(nil)

	o, err := svc.Create("acme", map[string]any{"tier": "enterprise"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.OrgID == "" {
		t.Error("org ID should be assigned")
	}
	if o.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}

	got, ok, err := svc.Get(o.OrgID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "acme" || got.Metadata["tier"] != "enterprise" {
		t.Errorf("got = %+v", got)
	}

	if ok, _ := svc.Exists(o.OrgID); !ok {
		t.Error("exists should report true")
	}

	deleted, err := svc.Delete(o.OrgID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if ok, _ := svc.Exists(o.OrgID); ok {
		t.Error("deleted org should not exist")
	}
	if deleted, _ := svc.Delete(o.OrgID); deleted {
		t.Error("second delete should report false")
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	svc := NewService(nil)
	for _, name := range []string{"", "   ", "-acme", "acme\x00corp"} {
		if _, err := svc.Create(name, nil); err == nil {
			t.Errorf("name %q should be rejected", name)
		}
	}
}

func TestListCreationOrder(t *testing.T) {
	svc := NewService(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := svc.Create(name, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := svc.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("list = %d, want 3", len(got))
	}
	if got[0].Name != "zeta" || got[2].Name != "mid" {
		t.Errorf("order = %s, %s, %s", got[0].Name, got[1].Name, got[2].Name)
	}
}
