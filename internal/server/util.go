package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/relayshell/internal/events"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath reports whether p is empty or an absolute path that is already
// clean apart from trailing separators.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == p {
		return true
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return trimmed != "" && clean == trimmed
}

// parseTopics splits a comma separated topic filter; empty means all topics.
func parseTopics(raw string) []events.Topic {
	var out []events.Topic
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, events.Topic(t))
		}
	}
	return out
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
