package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/auth"
)

var (
	apiKeyName   string
	apiKeyOutput string
)

// apiKeysCmd represents the apikey command group
var apiKeysCmd = &cobra.Command{
	Use:     "apikey",
	Aliases: []string{"apikeys", "keys"},
	Short:   "Create API keys for the REST API",
	Long: `Create keys for the REST API. The server only stores bcrypt hashes: put
the printed hash under api.api_key_hashes in the configuration, set
api.auth_enabled, and give the key itself to the client, which sends it in
the X-API-Key header.`,
	Example: `  portsweep apikey generate --name dashboard
  portsweep apikey hash ps_existingkey...`,
}

var apiKeysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := auth.GenerateAPIKey(apiKeyName)
		if err != nil {
			return err
		}
		return printGeneratedKey(cmd.OutOrStdout(), key, apiKeyOutput)
	},
}

var apiKeysHashCmd = &cobra.Command{
	Use:   "hash <api-key>",
	Short: "Print the bcrypt hash of an existing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(args[0])
		if !auth.IsValidAPIKeyFormat(key) {
			return fmt.Errorf("not a portsweep API key: expected %s_ followed by letters and digits", auth.APIKeyPrefix)
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysGenerateCmd)
	apiKeysCmd.AddCommand(apiKeysHashCmd)

	apiKeysGenerateCmd.Flags().StringVar(&apiKeyName, "name", "", "label for the key")
	apiKeysGenerateCmd.Flags().StringVarP(&apiKeyOutput, "output", "o", "text", "output format: text or json")
	_ = apiKeysGenerateCmd.MarkFlagRequired("name")
}

func printGeneratedKey(w io.Writer, key *auth.GeneratedAPIKey, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(key)
	case "text", "":
		fmt.Fprintf(w, "Name:    %s\n", key.Name)
		fmt.Fprintf(w, "Key:     %s\n", key.Key)
		fmt.Fprintf(w, "Hash:    %s\n", key.Hash)
		fmt.Fprintf(w, "Created: %s\n\n", key.CreatedAt.Format(timeLayout))
		fmt.Fprintln(w, "The key is shown only once. Add the hash to api.api_key_hashes:")
		fmt.Fprintf(w, "\napi:\n  auth_enabled: true\n  api_key_hashes:\n    - %q\n", key.Hash)
		return nil
	default:
		return fmt.Errorf("unknown output format %q, expected text or json", format)
	}
}
