package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaypack/vaultkeep/vault"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Scrub every stored chunk, repairing what parity allows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "fsck", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			checked, repaired, corrupted, err := s.Fsck()
			if err != nil {
				return err
			}
			fmt.Printf("checked %d chunks, repaired %d, %d unrecoverable\n", checked, repaired, len(corrupted))
			for _, h := range corrupted {
				fmt.Println("  corrupted:", h)
			}
			if len(corrupted) > 0 {
				return fmt.Errorf("fsck found %d unrecoverable chunks", len(corrupted))
			}
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the parsed audit trail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "audit", args, func(user string) error {
			a, err := openAuditLog(store)
			if err != nil {
				return err
			}
			entries, err := a.Entries()
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%d %-10s %-14s %s", e.UnixMS, e.User, e.Command, e.Status)
				if e.ErrMsg != "" {
					line += " " + e.ErrMsg
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

func init() {
	auditCmd.AddCommand(auditShowCmd)
}
