package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment a launched program or provisioning command runs
// with: the host environment as base, then service-wide overrides, then
// per-launch overrides.
type Env struct {
	Var  Var // service-wide variables (K->V)
	base Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// WithBase replaces the base environment; used by tests and by callers that must
// not inherit the host environment.
func (e *Env) WithBase(kvs []string) *Env {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	return &Env{Var: copyVar(e.Var), base: base}
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: copyVar(e.Var), base: e.base}
	if k != "" {
		c.Var[k] = v
	}
	return c
}

// Lookup resolves k against overrides first, then the base.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.base == nil {
		return os.LookupEnv(k)
	}
	v, ok := e.base[k]
	return v, ok
}

// WithPathPrefix returns a copy of e whose PATH starts with dir.
func (e *Env) WithPathPrefix(dir string) *Env {
	cur, _ := e.Lookup("PATH")
	if cur == "" {
		return e.WithSet("PATH", dir)
	}
	return e.WithSet("PATH", dir+string(filepath.ListSeparator)+cur)
}

// Merge composes the final environment list applying order:
// base (OS env unless replaced), then e.Var, then perRun ("K=V") overrides.
// ${VAR} references are expanded once against the composed map. Output is sorted
// so the result is stable.
func (e *Env) Merge(perRun []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perRun))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perRun {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func copyVar(v Var) Var {
	c := make(Var, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}
