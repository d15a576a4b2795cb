package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/relayshell/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// newClient returns a client for f, failing early when the daemon is down.
func (c *command) newClient(f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cl := client.New(cfg)
	if !cl.IsReachable(c.ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'relayshell serve'", cfg.BaseURL)
	}
	return cl, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
