// Package config loads Orbit's ambient configuration from a layered directory tree,
// adapted from the teacher's pkg/config/loader.go: deterministic merge order
// base -> env -> tenant -> env-var overrides, later layers win. Unlike the teacher
// (JSON-as-YAML only), this loader accepts real YAML via gopkg.in/yaml.v3 alongside
// JSON.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRoot    = errors.New("config: invalid root")
	ErrInvalidOptions = errors.New("config: invalid options")
	ErrNotFound       = errors.New("config: not found")
	ErrNotObject      = errors.New("config: top-level document must be a mapping")
	ErrTooManyFiles   = errors.New("config: too many files")
)

// Options mirrors the teacher's config.Options, trimmed to what Orbit needs.
type Options struct {
	Service string // required, e.g. "orbitd"
	Env     string // optional, e.g. "local", "staging", "prod"
	Tenant  string // optional

	EnableEnvOverrides bool   // default true; turn off with WithEnvOverrides(false)
	EnvPrefix          string // default strings.ToUpper(Service)+"_"
	PathDelimiter      string // default "__"

	MaxFiles int // default 8

	OnWarn func(code, detail string)
}

func (o Options) withDefaults() Options {
	if o.EnvPrefix == "" {
		o.EnvPrefix = strings.ToUpper(o.Service) + "_"
	}
	if o.PathDelimiter == "" {
		o.PathDelimiter = "__"
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = 8
	}
	// A bool cannot tell "unset" from false, so overrides start enabled here.
	o.EnableEnvOverrides = true
	return o
}

// Document is one loaded, parsed config layer.
type Document struct {
	Path     string
	Tier     string // base|env|tenant
	LoadedAt time.Time
	Data     map[string]any
}

// Bundle is the fully merged result of a Load call.
type Bundle struct {
	Service  string
	Env      string
	Tenant   string
	Docs     []Document
	Merged   map[string]any
	LoadedAt time.Time
}

// Decode marshals the merged tree through JSON into out, the simplest way to get a
// map[string]any onto a caller's typed struct without hand-rolling a second decoder.
func (b *Bundle) Decode(out any) error {
	raw, err := json.Marshal(b.Merged)
	if err != nil {
		return fmt.Errorf("config: re-marshal merged tree: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Loader loads layered configuration rooted at a directory.
type Loader struct {
	root string
	opts Options
}

// NewLoader validates root and opts and returns a ready Loader.
func NewLoader(root string, opts Options) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	opts.Service = strings.TrimSpace(opts.Service)
	if opts.Service == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidOptions)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	opts = opts.withDefaults()
	return &Loader{root: root, opts: opts}, nil
}

// WithEnvOverrides toggles whether OS environment variables are applied as the final,
// highest-precedence layer.
func (l *Loader) WithEnvOverrides(enabled bool) *Loader {
	l.opts.EnableEnvOverrides = enabled
	return l
}

func (l *Loader) warn(code, detail string) {
	if l.opts.OnWarn != nil {
		l.opts.OnWarn(code, detail)
	}
}

// Load reads base/env/tenant layers (whichever exist) and applies env-var overrides.
func (l *Loader) Load(ctx context.Context) (*Bundle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	candidates := l.tierPaths()
	if len(candidates) > l.opts.MaxFiles {
		return nil, ErrTooManyFiles
	}

	var docs []Document
	merged := map[string]any{}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := l.readLayer(c.tier, c.path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		docs = append(docs, *doc)
		merged = deepMerge(merged, doc.Data)
	}

	if l.opts.EnableEnvOverrides {
		envLayer := l.envOverrides()
		if len(envLayer) > 0 {
			merged = deepMerge(merged, envLayer)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Tier != docs[j].Tier {
			return tierRank(docs[i].Tier) < tierRank(docs[j].Tier)
		}
		return docs[i].Path < docs[j].Path
	})

	return &Bundle{
		Service:  l.opts.Service,
		Env:      l.opts.Env,
		Tenant:   l.opts.Tenant,
		Docs:     docs,
		Merged:   merged,
		LoadedAt: time.Now().UTC(),
	}, nil
}

type tierPath struct {
	tier string
	path string
}

func (l *Loader) tierPaths() []tierPath {
	names := []string{l.opts.Service + ".yaml", l.opts.Service + ".yml", l.opts.Service + ".json"}
	var out []tierPath
	for _, n := range names {
		out = append(out, tierPath{tier: "base", path: n})
	}
	if l.opts.Env != "" {
		for _, n := range names {
			out = append(out, tierPath{tier: "env", path: filepath.Join("env", l.opts.Env, n)})
		}
	}
	if l.opts.Tenant != "" {
		for _, n := range names {
			out = append(out, tierPath{tier: "tenant", path: filepath.Join("tenants", l.opts.Tenant, n)})
		}
	}
	return out
}

func tierRank(tier string) int {
	switch tier {
	case "base":
		return 1
	case "env":
		return 2
	case "tenant":
		return 3
	default:
		return 9
	}
}

func (l *Loader) readLayer(tier, relPath string) (*Document, error) {
	abs := filepath.Join(l.root, relPath)
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var data map[string]any
	ext := strings.ToLower(filepath.Ext(abs))
	switch ext {
	case ".json":
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", relPath, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", relPath, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	if data == nil {
		data = map[string]any{}
	}

	return &Document{Path: filepath.ToSlash(relPath), Tier: tier, LoadedAt: time.Now().UTC(), Data: data}, nil
}

// envOverrides scans the process environment for EnvPrefix-matching keys and expands
// PathDelimiter-separated segments into a nested tree, e.g. ORBITD_EXECUTOR__MAXATTEMPTS=5
// becomes {"executor":{"maxattempts":5}}.
func (l *Loader) envOverrides() map[string]any {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, l.opts.EnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, l.opts.EnvPrefix)
		if rest == "" {
			continue
		}
		segs := strings.Split(strings.ToLower(rest), strings.ToLower(l.opts.PathDelimiter))
		setPath(out, segs, parseScalar(v))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseScalar(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func setPath(root map[string]any, segs []string, val any) {
	cur := root
	for i, seg := range segs {
		if seg == "" {
			return
		}
		if i == len(segs)-1 {
			cur[seg] = val
			return
		}
		next, ok := cur[seg]
		if !ok {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			m = map[string]any{}
			cur[seg] = m
		}
		cur = m
	}
}

// deepMerge recursively merges src into dst; maps merge, everything else (including
// slices) is replaced outright — later layers always win (spec.md ambient config
// layering, teacher's pkg/config/merge.go).
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sv := src[k]
		if dv, ok := out[k]; ok {
			dm, dok := dv.(map[string]any)
			sm, sok := sv.(map[string]any)
			if dok && sok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}
