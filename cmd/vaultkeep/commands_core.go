package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaypack/vaultkeep/policy"
	"github.com/relaypack/vaultkeep/util"
	"github.com/relaypack/vaultkeep/vault"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new backup store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "init", args, func(user string) error {
			if err := vault.Init(store); err != nil {
				return err
			}
			if _, err := os.Stat(policyPath()); os.IsNotExist(err) {
				if err := policy.Save(policyPath(), policy.Default()); err != nil {
					return err
				}
			}
			fmt.Printf("initialized empty store at %s\n", store)
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <source-dir>",
	Short: "Snapshot a directory into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		label, _ := cmd.Flags().GetString("label")
		return dispatch(store, "backup", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.Backup(args[0], label)
			if err != nil {
				return err
			}
			fmt.Printf("created snapshot %s (%d files, %d chunks)\n", record.ID, record.TotalFiles, record.TotalChunks)
			return nil
		})
	},
}

func init() {
	backupCmd.Flags().String("label", "", "human-readable label for the snapshot")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "list", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			records := s.List()
			for i := len(records) - 1; i >= 0; i-- {
				r := records[i]
				var size int64
				if m, err := s.Manifest(r.ID); err == nil {
					for _, f := range m.Files {
						size += f.Size
					}
				}
				fmt.Printf("%-24s seq=%-4d files=%-5d chunks=%-5d size=%-10s %s\n",
					r.ID, r.Sequence, r.TotalFiles, r.TotalChunks, util.FmtBytes(size), r.Label)
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Verify a snapshot's integrity and chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "verify", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			res := s.Verify(args[0])
			if !res.OK {
				if res.Path != "" {
					return fmt.Errorf("%w (%s)", res.Reason, res.Path)
				}
				return res.Reason
			}
			fmt.Println("OK")
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id> <target-dir>",
	Short: "Restore a snapshot into a target directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "restore", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Restore(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("restored %s into %s\n", args[0], args[1])
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "audit-verify",
	Short: "Verify the audit log's hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "audit-verify", args, func(user string) error {
			a, err := openAuditLog(store)
			if err != nil {
				return err
			}
			last, err := a.Verify()
			if err != nil {
				return err
			}
			fmt.Printf("AUDIT OK last=%s\n", last)
			return nil
		})
	},
}
