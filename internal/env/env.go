package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a KEY->VALUE environment mapping.
type Var map[string]string

// Env composes the environment handed to worker invocations.
// Layering, lowest to highest precedence: inherited OS env, Var, per-call overrides.
type Env struct {
	Var  Var
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = ParseList(os.Environ())
}

// Isolate drops the inherited OS layer; only Var and overrides are used.
func (e *Env) Isolate() {
	e.base = make(Var)
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Compose layers the base, Var and overrides and expands ${VAR} references against
// the composed mapping (one pass, no recursion).
func (e *Env) Compose(overrides Var) Var {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(overrides))
	for _, layer := range []Var{e.base, e.Var, overrides} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	out := make(Var, len(m))
	for k, v := range m {
		out[k] = expand(v, m)
	}
	return out
}

// List renders the mapping as sorted "K=V" pairs suitable for exec.Cmd.Env.
func (v Var) List() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		if k == "" {
			continue
		}
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// ParseList parses "K=V" pairs; entries without '=' or with an empty key are skipped.
func ParseList(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
