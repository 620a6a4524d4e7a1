package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type record struct{ tenant string }

func (r *record) GetTenantID() string   { return r.tenant }
func (r *record) SetTenantID(id string) { r.tenant = id }

func TestValidateTenantID(t *testing.T) {
	valid := []string{"tenant-a", "T1", "0d7c4b7e-9a43-4f3e-8f4e-6a1e2c3d4b5a", "org_42"}
	for _, id := range valid {
		if err := ValidateTenantID(id); err != nil {
			t.Errorf("ValidateTenantID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", " ", "-leading", "a/b", "a:b", "tenant a", strings.Repeat("a", 65)}
	for _, id := range invalid {
		if err := ValidateTenantID(id); !errors.Is(err, ErrInvalidTenantID) {
			t.Errorf("ValidateTenantID(%q) = %v, want ErrInvalidTenantID", id, err)
		}
	}
}

func TestTenantFilter_Isolation(t *testing.T) {
	tenants := []string{"tenant-a", "tenant-b", "tenant-c"}
	for _, a := range tenants {
		f := TenantFilterFor(NewTestPrincipal("u1", a, RoleTenantAdmin))
		if f.Unrestricted() {
			t.Fatalf("filter for %s should be restricted", a)
		}
		for _, b := range tenants {
			if got := f.Matches(b); got != (a == b) {
				t.Errorf("filter(%s).Matches(%s) = %v, want %v", a, b, got, a == b)
			}
		}
	}
}

func TestTenantFilter_Bypass(t *testing.T) {
	for name, p := range map[string]*Principal{
		"system user":  SystemPrincipal("tenant-a", "test"),
		"system admin": NewTestPrincipal("u1", "tenant-a", RoleSystemAdmin),
	} {
		f := TenantFilterFor(p)
		if !f.Unrestricted() {
			t.Errorf("%s: filter should be unrestricted", name)
		}
		if !f.Matches("tenant-z") {
			t.Errorf("%s: unrestricted filter should match any tenant", name)
		}
		clause, args := f.SQL("tenant_id", 1)
		if clause != "TRUE" || len(args) != 0 {
			t.Errorf("%s: SQL = %q %v, want TRUE with no args", name, clause, args)
		}
	}
}

func TestTenantFilter_Unauthenticated(t *testing.T) {
	f := TenantFilterFor(nil)
	if f.Unrestricted() {
		t.Fatal("filter for nil principal must not be unrestricted")
	}
	if f.Matches("tenant-a") || f.Matches("") {
		t.Error("filter for nil principal should match nothing")
	}
}

func TestTenantFilter_SQLAndApply(t *testing.T) {
	f := TenantFilterFor(NewTestPrincipal("u1", "tenant-a"))
	clause, args := f.SQL("e.tenant_id", 3)
	if clause != "e.tenant_id = $3" {
		t.Errorf("SQL clause = %q, want %q", clause, "e.tenant_id = $3")
	}
	if len(args) != 1 || args[0] != "tenant-a" {
		t.Errorf("SQL args = %v, want [tenant-a]", args)
	}

	records := []*record{{"tenant-a"}, {"tenant-b"}, {"tenant-a"}}
	got := ApplyTenantFilter(f, records)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != records[0] || got[1] != records[2] {
		t.Error("ApplyTenantFilter should preserve order")
	}
}

func TestStampTenant(t *testing.T) {
	p := NewTestPrincipal("u1", "tenant-a")

	r := &record{}
	if err := StampTenant(p, r); err != nil {
		t.Fatalf("StampTenant: %v", err)
	}
	if r.tenant != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", r.tenant)
	}

	foreign := &record{tenant: "tenant-b"}
	if err := StampTenant(p, foreign); err == nil {
		t.Error("StampTenant should refuse to move an entity across tenants")
	}
	if foreign.tenant != "tenant-b" {
		t.Errorf("tenant = %q, want unchanged tenant-b", foreign.tenant)
	}

	if err := StampTenant(SystemPrincipal("tenant-a", "migration"), foreign); err != nil {
		t.Errorf("system principal StampTenant: %v", err)
	}
	if err := StampTenant(NewPrincipal(PrincipalParams{TenantID: "tenant-a"}), &record{}); err == nil {
		t.Error("StampTenant should reject unauthenticated principal")
	}
	if err := StampTenant(NewTestPrincipal("u1", ""), &record{}); !errors.Is(err, ErrInvalidTenantID) {
		t.Errorf("err = %v, want ErrInvalidTenantID", err)
	}
}

func TestLoadSecret(t *testing.T) {
	if _, err := LoadSecret("   "); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("blank secret err = %v, want ErrInvalidSecret", err)
	}
	got, err := LoadSecret("  inline-secret  ")
	if err != nil || got != "inline-secret" {
		t.Errorf("LoadSecret inline = %q, %v; want inline-secret, nil", got, err)
	}

	path := filepath.Join(t.TempDir(), "jwt.secret")
	if err := os.WriteFile(path, []byte(TestSecret+"\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	got, err = LoadSecret(path)
	if err != nil {
		t.Fatalf("LoadSecret file: %v", err)
	}
	if got != TestSecret {
		t.Errorf("LoadSecret file = %q, want %q", got, TestSecret)
	}

	if _, err := LoadSecret(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("missing file err = %v, want ErrInvalidSecret", err)
	}
}
