package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/maypok86/otter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/schema"
)

// ErrInvalidBinding is returned when a parameter binding does not match
// the workflow or the parameter's declaration.
var ErrInvalidBinding = errors.New("invalid graph binding")

// LoraStore resolves bundle references.
type LoraStore interface {
	GetLora(ctx context.Context, id string) (*model.Lora, error)
}

// Downloader fetches a URL to a local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, localPath string) (string, error)
}

// Config configures an Injector.
type Config struct {
	Fs afero.Fs
	// Root is the media engine's base directory. Inputs are downloaded to
	// Root/input and bundles installed under Root/models.
	Root    string
	Loras   LoraStore
	Storage Downloader
	// TemplateCacheSize bounds the number of parsed workflows kept in memory.
	TemplateCacheSize int
}

// Injector rewrites workflows with task arguments.
type Injector struct {
	fs        afero.Fs
	root      string
	loras     LoraStore
	files     Downloader
	log       logrus.FieldLogger
	installMu sync.Mutex
	downloads singleflight.Group
	templates otter.Cache[string, Graph]
}

// NewInjector creates an Injector.
func NewInjector(cfg Config, log logrus.FieldLogger) (*Injector, error) {
	size := cfg.TemplateCacheSize
	if size <= 0 {
		size = 256
	}
	templates, err := otter.MustBuilder[string, Graph](size).Build()
	if err != nil {
		return nil, fmt.Errorf("create template cache: %w", err)
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Injector{
		fs:        fs,
		root:      cfg.Root,
		loras:     cfg.Loras,
		files:     cfg.Storage,
		log:       log.WithField("component", "graph"),
		templates: templates,
	}, nil
}

// Load reads a workflow file, caching the parsed result. Callers receive
// their own copy.
func (in *Injector) Load(path string) (Graph, error) {
	if g, ok := in.templates.Get(path); ok {
		return g.Clone(), nil
	}
	data, err := afero.ReadFile(in.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	in.templates.Set(path, g)
	return g.Clone(), nil
}

func (in *Injector) path(elem ...string) string {
	return filepath.Join(append([]string{in.root}, elem...)...)
}

// Inject returns a copy of g with args written into the nodes the
// parameters are bound to. g itself is never modified.
func (in *Injector) Inject(ctx context.Context, g Graph, params []schema.Parameter, args map[string]any) (Graph, error) {
	if err := CheckBindings(g, params); err != nil {
		return nil, err
	}

	vals := maps.Clone(args)
	if vals == nil {
		vals = make(map[string]any)
	}

	if err := in.materialize(ctx, params, vals); err != nil {
		return nil, err
	}

	inst, err := in.transport(ctx, params, vals)
	if err != nil {
		return nil, err
	}

	if inst != nil {
		if prompt, ok := vals[model.ArgPrompt].(string); ok {
			vals[model.ArgPrompt] = injectTrigger(prompt, inst, loraStrength(vals))
		}
	}

	if err := in.preprocess(params, vals); err != nil {
		return nil, err
	}

	out := g.Clone()
	for i := range params {
		p := &params[i]
		b := p.Comfyui
		v := vals[p.Name]
		if b == nil || v == nil {
			continue
		}
		f, _ := out.field(string(b.NodeID), b.Field)
		for _, sub := range b.Subfields() {
			f[sub] = v
		}
		for _, rt := range b.Remap {
			mapped, ok := rt.Map[fmt.Sprint(v)]
			if !ok {
				return nil, fmt.Errorf("%w: parameter %q: no remap entry for %v", ErrInvalidBinding, p.Name, v)
			}
			tf, _ := out.field(string(rt.NodeID), rt.Field)
			for _, sub := range splitSubfields(rt.Subfield) {
				tf[sub] = mapped
			}
		}
	}
	return out, nil
}

// CheckBindings verifies every bound path exists in g and that remap tables
// cover exactly the parameter's choices.
func CheckBindings(g Graph, params []schema.Parameter) error {
	for i := range params {
		p := &params[i]
		b := p.Comfyui
		if b == nil {
			continue
		}
		if err := checkPath(g, string(b.NodeID), b.Field, b.Subfields()); err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalidBinding, p.Name, err)
		}
		if len(b.Remap) == 0 {
			continue
		}

		choices := make([]string, 0, len(p.Choices))
		for _, c := range p.Choices {
			choices = append(choices, fmt.Sprint(c))
		}
		sort.Strings(choices)
		for _, rt := range b.Remap {
			if err := checkPath(g, string(rt.NodeID), rt.Field, splitSubfields(rt.Subfield)); err != nil {
				return fmt.Errorf("%w: parameter %q remap: %v", ErrInvalidBinding, p.Name, err)
			}
			keys := make([]string, 0, len(rt.Map))
			for k := range rt.Map {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if !slices.Equal(keys, choices) {
				return fmt.Errorf("%w: parameter %q: remap keys %v do not match choices %v", ErrInvalidBinding, p.Name, keys, choices)
			}
		}
	}
	return nil
}

func checkPath(g Graph, nodeID, field string, subfields []string) error {
	f, err := g.field(nodeID, field)
	if err != nil {
		return err
	}
	if len(subfields) == 0 {
		return fmt.Errorf("node %q field %q: no subfield", nodeID, field)
	}
	for _, sub := range subfields {
		if _, ok := f[sub]; !ok {
			return fmt.Errorf("node %q field %q has no subfield %q", nodeID, field, sub)
		}
	}
	return nil
}

func splitSubfields(s string) []string {
	b := schema.Binding{Subfield: s}
	return b.Subfields()
}

// materialize downloads file arguments into the input directory and
// replaces their URLs with local paths.
func (in *Injector) materialize(ctx context.Context, params []schema.Parameter, vals map[string]any) error {
	dir := in.path("input")
	for i := range params {
		p := &params[i]
		v := vals[p.Name]
		if !p.IsFile() || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			local, err := in.fetch(ctx, t, dir)
			if err != nil {
				return fmt.Errorf("download %s: %w", p.Name, err)
			}
			vals[p.Name] = local
		case []any:
			locals := make([]any, len(t))
			for j, e := range t {
				s, ok := e.(string)
				if !ok {
					return fmt.Errorf("download %s: element %d is %T, not a URL", p.Name, j, e)
				}
				local, err := in.fetch(ctx, s, dir)
				if err != nil {
					return fmt.Errorf("download %s: %w", p.Name, err)
				}
				locals[j] = local
			}
			vals[p.Name] = locals
		default:
			return fmt.Errorf("download %s: unexpected value %T", p.Name, v)
		}
	}
	return nil
}

// fetch downloads rawURL into dir once; concurrent and repeated requests
// for the same URL share the result.
func (in *Injector) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	dst := filepath.Join(dir, filenameFromURL(rawURL))
	v, err, _ := in.downloads.Do(dst, func() (any, error) {
		if ok, _ := afero.Exists(in.fs, dst); ok {
			return dst, nil
		}
		part := dst + ".part"
		if _, err := in.files.Download(ctx, rawURL, part); err != nil {
			in.fs.Remove(part)
			return nil, err
		}
		if err := in.fs.Rename(part, dst); err != nil {
			return nil, err
		}
		return dst, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// transport installs referenced bundles and replaces their references with
// the installed weight file names. Unknown bundles clear the parameter. It
// returns the last installed bundle. When a lora parameter is declared but
// nothing was installed, lora_strength is zeroed so the loader node leaves
// the model untouched.
func (in *Injector) transport(ctx context.Context, params []schema.Parameter, vals map[string]any) (*Installed, error) {
	var last *Installed
	declared := false
	for i := range params {
		p := &params[i]
		if p.Type != schema.TypeLora || p.Array {
			continue
		}
		declared = true
		ref, ok := vals[p.Name].(string)
		if !ok {
			continue
		}
		l, err := in.loras.GetLora(ctx, ref)
		if errors.Is(err, model.ErrNotFound) {
			in.log.WithField("lora", ref).Warn("lora not found, disabling")
			vals[p.Name] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("look up lora %s: %w", ref, err)
		}
		inst, err := in.install(ctx, l)
		if err != nil {
			return nil, err
		}
		in.log.WithFields(logrus.Fields{
			"lora":    l.Slug,
			"trigger": inst.Trigger,
			"mode":    inst.Mode,
		}).Info("lora installed")
		vals[p.Name] = inst.LoraFile
		last = inst
	}
	if declared && last == nil {
		vals[model.ArgLoraStrength] = 0.0
	}
	return last, nil
}

func loraStrength(vals map[string]any) float64 {
	switch v := vals[model.ArgLoraStrength].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 1
}

// preprocess applies each parameter's declared transform.
func (in *Injector) preprocess(params []schema.Parameter, vals map[string]any) error {
	for i := range params {
		p := &params[i]
		v := vals[p.Name]
		if p.Comfyui == nil || p.Comfyui.Preprocessing == "" || v == nil {
			continue
		}
		switch p.Comfyui.Preprocessing {
		case schema.PreprocessCSV:
			vals[p.Name] = join(v, ", ")
		case schema.PreprocessConcat:
			vals[p.Name] = join(v, "\n")
		case schema.PreprocessFolder:
			dir, err := in.folder(v)
			if err != nil {
				return fmt.Errorf("preprocess %s: %w", p.Name, err)
			}
			vals[p.Name] = dir
		}
	}
	return nil
}

func join(v any, sep string) string {
	items, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, len(items))
	for i, e := range items {
		parts[i] = fmt.Sprint(e)
	}
	return strings.Join(parts, sep)
}

// folder copies local files into a fresh directory and returns its path.
func (in *Injector) folder(v any) (string, error) {
	var files []string
	switch t := v.(type) {
	case string:
		files = []string{t}
	case []any:
		for _, e := range t {
			files = append(files, fmt.Sprint(e))
		}
	}
	if err := in.fs.MkdirAll(in.path("tmp"), 0o755); err != nil {
		return "", err
	}
	dir, err := afero.TempDir(in.fs, in.path("tmp"), "batch-")
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if err := copyFile(in.fs, f, filepath.Join(dir, filepath.Base(f))); err != nil {
			return "", err
		}
	}
	return dir, nil
}
