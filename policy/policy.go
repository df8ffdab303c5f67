// Package policy implements the external policy interface: a pure
// predicate allow(user, command) backed by a flat users→role,
// role→commands lookup table. The core records a DENY outcome in audit
// but never inspects the table's contents.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Decision is the outcome of an allow() check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "ALLOW"
	}
	return "DENY"
}

// Table is the declarative users→role, roles→commands policy.
type Table struct {
	Users map[string]string   `yaml:"users"`
	Roles map[string][]string `yaml:"roles"`
}

// Default mirrors the three built-in roles: admin can run everything,
// operator can do everything but init and audit, auditor is read-only.
func Default() Table {
	return Table{
		Users: map[string]string{
			"root":  "admin",
			"admin": "admin",
		},
		Roles: map[string][]string{
			"admin":    {"init", "backup", "list", "verify", "restore", "audit-verify", "fsck", "mount", "audit"},
			"operator": {"backup", "list", "verify", "restore", "audit-verify", "fsck", "mount"},
			"auditor":  {"list", "verify", "audit-verify", "audit"},
		},
	}
}

// Load reads a Table from path, or returns Default() if path does not
// exist.
func Load(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Table{}, fmt.Errorf("policy: load %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Table{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return t, nil
}

// Save writes t to path as YAML, used by the init command to seed a
// new store with an editable policy file.
func Save(path string, t Table) error {
	b, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("policy: marshal: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Allow reports whether user may invoke command under t. Unknown users
// and unknown roles are denied rather than erroring: the core treats
// DENY as an ordinary, auditable outcome, not a failure.
func (t Table) Allow(user, command string) Decision {
	role, ok := t.Users[user]
	if !ok {
		return Deny
	}
	commands, ok := t.Roles[role]
	if !ok {
		return Deny
	}
	for _, c := range commands {
		if c == command {
			return Allow
		}
	}
	return Deny
}
