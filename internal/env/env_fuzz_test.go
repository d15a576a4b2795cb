package env

import (
	"strings"
	"testing"
)

// FuzzComposeList checks that composed worker environments always render as
// well-formed exec pairs and that plain values pass through unexpanded.
func FuzzComposeList(f *testing.F) {
	f.Add("ROOT=/opt/w\nPY=${ROOT}/src", "MODE=lab")
	f.Add("HOME=/h", "HOME=${HOME}/x")
	f.Add("A=${B}", "B=${A}")
	f.Add("=novalue\nnoeq", "K==v")

	f.Fuzz(func(t *testing.T, configured, overrides string) {
		e := New()
		e.Isolate()
		for k, v := range ParseList(strings.Split(configured, "\n")) {
			e.Set(k, v)
		}
		over := ParseList(strings.Split(overrides, "\n"))
		got := e.Compose(over)

		for _, kv := range got.List() {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("malformed pair %q", kv)
			}
		}
		for k, v := range over {
			if !strings.Contains(v, "${") && got[k] != v {
				t.Fatalf("override %s=%q became %q", k, v, got[k])
			}
		}
	})
}
