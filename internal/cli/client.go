package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultNodeURL is where a locally running node serves its admin API.
const DefaultNodeURL = "http://127.0.0.1:8080"

var httpClient = &http.Client{Timeout: 15 * time.Second}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends body to nodeURL+path and decodes a 2xx response into out.
func postJSON(nodeURL, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimRight(nodeURL, "/") + path
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("is the node running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("node returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("node returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
