package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var unshareCmd = &cobra.Command{
	Use:   "unshare <tunnel-id> <user>",
	Short: "Revoke a user's access to a tunnel",
	Args:  cobra.ExactArgs(2),
	RunE:  runUnshare,
}

func runUnshare(cmd *cobra.Command, args []string) error {
	tunnelID, user := args[0], args[1]

	body, status, err := request(http.MethodDelete,
		"/tunnels/unshare/"+url.PathEscape(tunnelID)+"/"+url.PathEscape(user), nil)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusNoContent:
		fmt.Printf("Revoked %s's access to tunnel %s\n", user, tunnelID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("tunnel or user not found")
	case http.StatusForbidden:
		return fmt.Errorf("not allowed to manage sharing for tunnel %s", tunnelID)
	default:
		return fmt.Errorf("failed to unshare tunnel: %s", string(body))
	}
}
