package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	createKeyFile     string
	createSSHPort     int
	createDescription string
)

var createCmd = &cobra.Command{
	Use:   "create <host-friendly-name>",
	Short: "Register a tunnel and allocate a reverse port",
	Long:  `Register an SSH public key for a remote host and allocate a reverse port for it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createKeyFile, "key-file", "", "path to the host's SSH public key (required)")
	createCmd.Flags().IntVar(&createSSHPort, "ssh-port", 22, "sshd port on the remote host")
	createCmd.Flags().StringVar(&createDescription, "description", "", "optional description")
	createCmd.MarkFlagRequired("key-file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	key, err := os.ReadFile(createKeyFile)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	body, status, err := request(http.MethodGet, "/api/reverse/issue/token", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to obtain create token: %s", string(body))
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		return fmt.Errorf("decoding create token: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"host_friendly_name": args[0],
		"key":                strings.TrimSpace(string(key)),
		"ssh_port":           createSSHPort,
		"description":        createDescription,
	})
	if err != nil {
		return err
	}

	body, status, err = request(http.MethodPost, "/api/reverse/create/key/"+url.PathEscape(issued.Token), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	switch status {
	case http.StatusCreated:
		var created struct {
			ID          string `json:"id"`
			ReversePort int    `json:"reverse_port"`
		}
		if err := json.Unmarshal(body, &created); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Printf("Tunnel %s created, reverse port %d\n", created.ID, created.ReversePort)
		return nil
	case http.StatusConflict:
		return fmt.Errorf("a tunnel with that name or key already exists")
	default:
		return fmt.Errorf("failed to create tunnel: %s", string(body))
	}
}
