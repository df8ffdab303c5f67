package main

import (
	"os"
	"time"

	"github.com/relaypack/vaultkeep/audit"
	"github.com/relaypack/vaultkeep/osuser"
	"github.com/relaypack/vaultkeep/policy"
)

// ErrPermissionDenied is returned by dispatch when the policy predicate
// rejects an invocation. It carries only the user and command: the core
// records the DENY outcome in audit but never inspects why the policy
// said no.
type ErrPermissionDenied struct{ User, Command string }

func (e ErrPermissionDenied) Error() string {
	return "user '" + e.User + "' is not allowed to run '" + e.Command + "'"
}

// openAuditLog opens the audit log at a store root, for commands (like
// audit-verify and audit show) that need to read it directly rather
// than only appending to it through dispatch.
func openAuditLog(store string) (*audit.Log, error) {
	return audit.Open(store + "/audit.log")
}

// resolveUser discovers the acting OS user. VAULTKEEP_USER overrides OS
// lookup, which is how the end-to-end tests exercise multiple identities
// without needing multiple real OS accounts.
func resolveUser() (string, error) {
	if u := os.Getenv("VAULTKEEP_USER"); u != "" {
		return u, nil
	}
	return osuser.Current()
}

// dispatch enforces policy, runs fn, and writes exactly one audit entry
// reflecting the outcome, regardless of how fn fails. args is the
// command's argument vector as typed by the operator, hashed into the
// audit entry rather than stored verbatim.
func dispatch(store string, command string, args []string, fn func(user string) error) error {
	if err := os.MkdirAll(store, 0o755); err != nil {
		return err
	}
	auditLog, err := audit.Open(store + "/audit.log")
	if err != nil {
		return err
	}
	argsHash := audit.ArgsHash(args)
	now := time.Now().UnixMilli()

	user, err := resolveUser()
	if err != nil {
		auditLog.Append(now, "unknown", command, argsHash, audit.FAIL, err.Error())
		return err
	}

	tbl, err := policy.Load(policyPath())
	if err != nil {
		auditLog.Append(now, user, command, argsHash, audit.FAIL, err.Error())
		return err
	}
	if tbl.Allow(user, command) != policy.Allow {
		auditLog.Append(now, user, command, argsHash, audit.DENY, "")
		return ErrPermissionDenied{User: user, Command: command}
	}

	runErr := fn(user)
	status := audit.OK
	errMsg := ""
	if runErr != nil {
		status = audit.FAIL
		errMsg = runErr.Error()
	}
	if _, err := auditLog.Append(now, user, command, argsHash, status, errMsg); err != nil {
		log.Warning("audit write failed after %s: %v", command, err)
	}
	return runErr
}
