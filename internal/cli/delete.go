package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <tunnel-id>",
	Short: "Delete a reverse tunnel",
	Long: `Delete a tunnel, release its reverse port and revoke its key.
Any live sessions on the tunnel are closed.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	tunnelID := args[0]

	body, status, err := request(http.MethodDelete, "/tunnels/"+url.PathEscape(tunnelID), nil)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusNoContent:
		fmt.Printf("Tunnel %s deleted\n", tunnelID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("tunnel not found: %s", tunnelID)
	case http.StatusForbidden:
		return fmt.Errorf("not allowed to delete tunnel %s", tunnelID)
	default:
		return fmt.Errorf("failed to delete tunnel: %s", string(body))
	}
}
