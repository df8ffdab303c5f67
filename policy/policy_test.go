package policy

import (
	"path/filepath"
	"testing"
)

func TestDefaultAllowsAdminEverything(t *testing.T) {
	t1 := Default()
	for _, cmd := range []string{"init", "backup", "list", "verify", "restore", "audit-verify", "fsck", "mount", "audit"} {
		if t1.Allow("admin", cmd) != Allow {
			t.Errorf("Default().Allow(admin, %s) = DENY, want ALLOW", cmd)
		}
	}
}

func TestDefaultDeniesUnknownUser(t *testing.T) {
	if Default().Allow("mallory", "backup") != Deny {
		t.Errorf("Default().Allow(unknown user) = ALLOW, want DENY")
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	tbl, err := Load(filepath.Join(t.TempDir(), "policy.yaml"))
	if err != nil {
		t.Fatalf("Load(missing): %v", err)
	}
	if tbl.Allow("root", "init") != Allow {
		t.Errorf("Load(missing).Allow(root, init) = DENY, want ALLOW")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	custom := Table{
		Users: map[string]string{"bob": "auditor"},
		Roles: map[string][]string{"auditor": {"list", "verify"}},
	}
	if err := Save(path, custom); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Allow("bob", "list") != Allow {
		t.Errorf("loaded.Allow(bob, list) = DENY, want ALLOW")
	}
	if loaded.Allow("bob", "backup") != Deny {
		t.Errorf("loaded.Allow(bob, backup) = ALLOW, want DENY")
	}
}

func TestAuditorCannotBackupOrRestore(t *testing.T) {
	tbl := Default()
	tbl.Users["carol"] = "auditor"
	for _, cmd := range []string{"backup", "restore", "init"} {
		if tbl.Allow("carol", cmd) != Deny {
			t.Errorf("auditor.Allow(%s) = ALLOW, want DENY", cmd)
		}
	}
}

func TestUnknownRoleIsDenied(t *testing.T) {
	tbl := Table{Users: map[string]string{"dave": "ghost"}, Roles: map[string][]string{}}
	if tbl.Allow("dave", "list") != Deny {
		t.Errorf("Allow(user with unknown role) = ALLOW, want DENY")
	}
}

func TestLoadRejectsUnreadableDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Errorf("Load(directory) = nil error, want an error reading it as a file")
	}
}
