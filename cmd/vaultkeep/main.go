// cmd/vaultkeep is the thin dispatcher shell outside the storage core:
// argument parsing, configuration resolution, policy enforcement,
// OS-user discovery and the single mandatory audit write per invocation.
// All storage and integrity logic lives in the vault/chunkstore/journal/
// ledger/merkle/manifest/digest/audit packages this command wires together.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relaypack/vaultkeep/util"
)

var log = util.NewLogger(false, false)

var (
	flagStore   string
	flagPolicy  string
	flagVerbose bool
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "vaultkeep",
	Short: "vaultkeep is a content-addressed, tamper-evident backup store",
	Long: `vaultkeep snapshots a directory into a local, content-addressed store,
restores any snapshot to a target directory, and keeps a Merkle-rooted,
hash-chained record of every snapshot and every command invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = util.NewLogger(flagVerbose, flagDebug)
		return nil
	},
}

func init() {
	var flags *pflag.FlagSet = rootCmd.PersistentFlags()
	flags.StringVar(&flagStore, "store", "", "path to the backup store (default $VAULTKEEP_STORE or ./store)")
	flags.StringVar(&flagPolicy, "policy", "", "path to the policy file (default <store>/policy.yaml)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
	flags.BoolVar(&flagDebug, "debug", false, "debug logging")

	viper.BindPFlag("store", flags.Lookup("store"))
	viper.BindPFlag("policy", flags.Lookup("policy"))
	viper.SetEnvPrefix("VAULTKEEP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(auditCmd)
}

func storeRoot() string {
	if flagStore != "" {
		return flagStore
	}
	if v := viper.GetString("store"); v != "" {
		return v
	}
	return "./store"
}

func policyPath() string {
	if flagPolicy != "" {
		return flagPolicy
	}
	if v := viper.GetString("policy"); v != "" {
		return v
	}
	return storeRoot() + "/policy.yaml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultkeep:", err)
		os.Exit(1)
	}
}
