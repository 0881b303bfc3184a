package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var scriptKeyPath string

var scriptCmd = &cobra.Command{
	Use:   "script <variant> <tunnel-id> <ssh-port>",
	Short: "Render a connection script for a tunnel",
	Long: `Render the script a remote host runs to establish its reverse
tunnel. Variants: autossh, ssh, service, powershell, docker,
docker-compose, config.`,
	Args: cobra.ExactArgs(3),
	RunE: runScript,
}

func init() {
	scriptCmd.Flags().StringVar(&scriptKeyPath, "key-path", "", "identity file path to embed in the script")
}

func runScript(cmd *cobra.Command, args []string) error {
	variant, tunnelID, sshPort := args[0], args[1], args[2]

	path := fmt.Sprintf("/tunnels/server/script/%s/%s/%s",
		url.PathEscape(variant), url.PathEscape(tunnelID), url.PathEscape(sshPort))
	if scriptKeyPath != "" {
		path += "?key_path=" + url.QueryEscape(scriptKeyPath)
	}

	body, status, err := request(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to render script: %s", string(body))
	}

	var rendered struct {
		Script   string `json:"script"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(body, &rendered); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), rendered.Script)
	return nil
}
