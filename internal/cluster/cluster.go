// Package cluster watches the ranks of a networked world from the outside.
// Every pionode rank serves /health and /info over HTTP; a Monitor polls them
// and tracks which ranks are up.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RankInfo is what a rank reports on /info. Done is set once the rank has
// finalized its I/O system; IOTask on ranks that do I/O.
type RankInfo struct {
	Rank      int  `json:"rank"`
	WorldSize int  `json:"world_size"`
	Ready     bool `json:"ready"`
	Done      bool `json:"done"`
	IOTask    bool `json:"io_task"`
	IOSystems int  `json:"iosystems"`
	Files     int  `json:"files"`
	Decomps   int  `json:"decomps"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// BaseURL turns a host:port or URL into a URL without a trailing slash.
func BaseURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// GetJSON fetches url and decodes the body into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
