package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway port liveness",
	Long:  `Show which allocated reverse ports currently have a listener on the gateway.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, status, err := request(http.MethodGet, "/api/reverse/server/status/ports", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to get port status: %s", string(body))
	}

	var ports map[string]bool
	if err := json.Unmarshal(body, &ports); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(ports) == 0 {
		fmt.Println("No reverse ports allocated")
		return nil
	}

	nums := make([]int, 0, len(ports))
	byNum := make(map[int]bool, len(ports))
	for p, up := range ports {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		nums = append(nums, n)
		byNum[n] = up
	}
	sort.Ints(nums)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATE")
	fmt.Fprintln(w, "────\t─────")

	connected := 0
	for _, n := range nums {
		state := "disconnected"
		if byNum[n] {
			state = "connected"
			connected++
		}
		fmt.Fprintf(w, "%d\t%s\n", n, state)
	}
	w.Flush()

	fmt.Printf("\n%d of %d port(s) connected\n", connected, len(nums))

	return nil
}
