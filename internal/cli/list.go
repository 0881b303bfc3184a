package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered reverse tunnels",
	Long:  `List every tunnel the authenticated user owns or has been granted access to.`,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	body, status, err := request(http.MethodGet, "/tunnels", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to list tunnels: %s", string(body))
	}

	var tunnels []struct {
		ID               string    `json:"id"`
		HostFriendlyName string    `json:"host_friendly_name"`
		SSHPort          int       `json:"ssh_port"`
		ReversePort      int       `json:"reverse_port"`
		CreatedAt        time.Time `json:"created_at"`
		Effective        struct {
			Tier    string `json:"tier"`
			IsOwner bool   `json:"is_owner"`
		} `json:"effective_permission"`
	}
	if err := json.Unmarshal(body, &tunnels); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(tunnels) == 0 {
		fmt.Println("No tunnels registered")
		return nil
	}

	// Print table
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREVERSE PORT\tSSH PORT\tACCESS\tCREATED")
	fmt.Fprintln(w, "──\t────\t────────────\t────────\t──────\t───────")

	for _, t := range tunnels {
		access := t.Effective.Tier
		if t.Effective.IsOwner {
			access = "owner"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			truncate(t.ID, 8),
			t.HostFriendlyName,
			t.ReversePort,
			t.SSHPort,
			access,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()

	fmt.Printf("\nTotal: %d tunnel(s)\n", len(tunnels))

	return nil
}
