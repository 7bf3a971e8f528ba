package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/spf13/cobra"
)

func (a *app) credsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Edit the client credentials of a profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <field> <value>",
		Short: "Set one credential field",
		Long:  "Set one credential field. Fields: issuer, client_id, client_secret, redirect_uri, scope, auth_method, login_hint, private_key_pem.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor := a.editor()
			if _, err := editor.Load(cmd.Context()); err != nil {
				return err
			}
			value := args[1]
			if credentials.Field(args[0]) == credentials.FieldPrivateKey {
				data, err := os.ReadFile(value)
				if err != nil {
					return fmt.Errorf("private_key_pem is read from a file: %w", err)
				}
				value = string(data)
			}
			return editor.Set(cmd.Context(), credentials.Field(args[0]), value)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the profile with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := a.credentials(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(creds.Redacted())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check <grant>",
		Short: "List what is missing before a grant can start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grant, ok := oauth2.ParseGrantType(args[0])
			if !ok {
				return fmt.Errorf("unknown grant %q", args[0])
			}
			creds, err := a.credentials(cmd.Context())
			if err != nil {
				return err
			}
			result := credentials.ValidateFor(creds, credentials.RequirementsFor(grant))
			if result.Valid() {
				fmt.Println("ready")
				return nil
			}
			for _, e := range result.Errors {
				fmt.Printf("%s: %s\n", e.Label, e.Message)
			}
			return result.Err()
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
