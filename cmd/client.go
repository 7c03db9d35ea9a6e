package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Operator-client flags shared by the status, clear-caches and stats
// commands.
var (
	clientServer string
	clientSecret string
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientServer, "server", "http://127.0.0.1:8765", "Base URL of the packaging service")
	cmd.Flags().StringVar(&clientSecret, "secret", "", "Shared secret (defaults to PACKAGER_SECRET)")
}

// postForm POSTs a form body to the service, attaching the shared secret,
// and decodes the JSON response. Non-success payloads are returned as
// errors.
func postForm(path string, form url.Values) (map[string]interface{}, error) {
	secret := clientSecret
	if secret == "" {
		secret = os.Getenv("PACKAGER_SECRET")
	}
	form.Set("secret", secret)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.PostForm(strings.TrimRight(clientServer, "/")+path, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if body["status"] != "success" {
		return nil, fmt.Errorf("%v: %v", body["error"], body["message"])
	}
	return body, nil
}

// printJSON renders a response body as indented JSON on stdout.
func printJSON(body map[string]interface{}) error {
	delete(body, "status")
	encoded, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
