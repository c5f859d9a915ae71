package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/people"
	"github.com/matheus3301/setu/internal/vault"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Print the CardDAV password, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		password, err := v.CardDAVPassword()
		if err != nil {
			return err
		}
		fmt.Println(password)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the Google OAuth token",
}

var tokenImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Store an OAuth token JSON in the vault (reads stdin without a file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			r = f
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return err
		}

		var tok oauth2.Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			return fmt.Errorf("parse token: %w", err)
		}
		if tok.AccessToken == "" && tok.RefreshToken == "" {
			return fmt.Errorf("token has neither access_token nor refresh_token")
		}
		normalized, err := json.Marshal(&tok)
		if err != nil {
			return err
		}

		v, err := openVault()
		if err != nil {
			return err
		}
		if err := v.Set(people.TokenKey, string(normalized)); err != nil {
			return err
		}
		fmt.Println("Token stored. Run `setuctl sync` to start syncing.")
		return nil
	},
}

var tokenForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the stored OAuth token",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault()
		if err != nil {
			return err
		}
		return v.Delete(people.TokenKey)
	},
}

var clientSecretCmd = &cobra.Command{
	Use:   "client-secret",
	Short: "Store the Google OAuth client secret read from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return fmt.Errorf("empty client secret")
		}
		v, err := openVault()
		if err != nil {
			return err
		}
		return v.Set(vault.KeyGoogleClientSecret, secret)
	},
}

func init() {
	tokenCmd.AddCommand(tokenImportCmd, tokenForgetCmd)
	rootCmd.AddCommand(passwordCmd, tokenCmd, clientSecretCmd)
}
