package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/paths"
	"github.com/matheus3301/setu/internal/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	jsonOut   bool
	forceFile bool
)

var rootCmd = &cobra.Command{
	Use:   "setuctl",
	Short: "Inspect and control a running setud",
	Long: `setuctl talks to setud over its control socket and manages the secrets
setud keeps in the vault.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&forceFile, "force-file-vault", false, "use the encrypted file vault instead of the platform keyring")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openVault() (*vault.Vault, error) {
	if err := paths.EnsureDir(); err != nil {
		return nil, err
	}
	return vault.Select(vault.Options{FilePath: paths.VaultPath(), ForceFile: forceFile}, zap.NewNop())
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
