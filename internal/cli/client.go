package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/viper"
)

// request performs an authenticated API call and returns the raw body
func request(method, path string, body io.Reader) ([]byte, int, error) {
	serverURL := strings.TrimRight(viper.GetString("server"), "/")

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if token := viper.GetString("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	return raw, resp.StatusCode, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
