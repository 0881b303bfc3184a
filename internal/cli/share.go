package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var shareTier string

var shareCmd = &cobra.Command{
	Use:   "share <tunnel-id> <username>",
	Short: "Share a tunnel with another user",
	Long:  `Grant another user access to a tunnel at view, edit or admin tier.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runShare,
}

func init() {
	shareCmd.Flags().StringVar(&shareTier, "permission", "view", "permission tier: view, edit or admin")
}

func runShare(cmd *cobra.Command, args []string) error {
	tunnelID, username := args[0], args[1]

	payload, err := json.Marshal(map[string]string{
		"username":   username,
		"permission": shareTier,
	})
	if err != nil {
		return err
	}

	body, status, err := request(http.MethodPost, "/tunnels/share/"+url.PathEscape(tunnelID), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		fmt.Printf("Tunnel %s shared with %s (%s)\n", tunnelID, username, shareTier)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("tunnel or user not found")
	case http.StatusForbidden:
		return fmt.Errorf("not allowed to share tunnel %s", tunnelID)
	default:
		return fmt.Errorf("failed to share tunnel: %s", string(body))
	}
}
