package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/model"
)

// LoRA modes decide how the trigger is worked into a prompt that does not
// mention it.
const (
	ModeFace    = "face"
	ModeObject  = "object"
	ModeConcept = "concept"
	ModeStyle   = "style"
)

// Files a trained archive bundle is expected to contain.
const (
	weightsPattern      = "**/*_lora.safetensors"
	embeddingPattern    = "**/*_embeddings.safetensors"
	trainingArgsPattern = "**/training_args.json"

	embeddingSuffix = "_embeddings.safetensors"
)

// ArtifactError reports a missing or malformed LoRA bundle.
type ArtifactError struct {
	Lora    string
	Message string
	Err     error
}

func (e *ArtifactError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lora %s: %s: %v", e.Lora, e.Message, e.Err)
	}
	return fmt.Sprintf("lora %s: %s", e.Lora, e.Message)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// Installed describes a bundle copied into the engine's model directories.
type Installed struct {
	Lora *model.Lora
	// LoraFile is the weight file name inside models/loras.
	LoraFile string
	// Embedding is the embedding name (file name without extension) inside
	// models/embeddings. Empty for single-file bundles.
	Embedding string
	Trigger   string
	Mode      string
}

// install fetches a bundle's checkpoint and copies its files into the
// model directories. Installs are serialized per process.
func (in *Injector) install(ctx context.Context, l *model.Lora) (*Installed, error) {
	in.installMu.Lock()
	defer in.installMu.Unlock()

	ckpt, err := in.fetch(ctx, l.Checkpoint, in.path("downloads", "loras"))
	if err != nil {
		return nil, &ArtifactError{Lora: l.Slug, Message: "download checkpoint", Err: err}
	}
	if l.IsArchive() {
		return in.installArchive(l, ckpt)
	}
	return in.installSingle(l, ckpt)
}

func (in *Injector) installArchive(l *model.Lora, ckpt string) (*Installed, error) {
	if err := in.fs.MkdirAll(in.path("tmp"), 0o755); err != nil {
		return nil, err
	}
	dir, err := afero.TempDir(in.fs, in.path("tmp"), "lora-")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	defer in.fs.RemoveAll(dir)

	if err := extract(in.fs, ckpt, dir); err != nil {
		return nil, &ArtifactError{Lora: l.Slug, Message: "extract archive", Err: err}
	}
	bundle := afero.NewIOFS(afero.NewBasePathFs(in.fs, dir))

	weights, err := findOne(bundle, weightsPattern)
	if err != nil {
		return nil, &ArtifactError{Lora: l.Slug, Message: err.Error()}
	}
	embedding, err := findOne(bundle, embeddingPattern)
	if err != nil {
		return nil, &ArtifactError{Lora: l.Slug, Message: err.Error()}
	}

	id := strings.ToLower(l.ID)
	inst := &Installed{
		Lora:      l,
		LoraFile:  id + "_lora.safetensors",
		Embedding: id + "_embeddings",
	}
	if err := copyFile(in.fs, filepath.Join(dir, weights), in.path("models", "loras", inst.LoraFile)); err != nil {
		return nil, fmt.Errorf("install weights: %w", err)
	}
	if err := copyFile(in.fs, filepath.Join(dir, embedding), in.path("models", "embeddings", inst.Embedding+".safetensors")); err != nil {
		return nil, fmt.Errorf("install embedding: %w", err)
	}

	inst.Trigger, inst.Mode = readTrainingArgs(bundle)
	if inst.Trigger == "" {
		inst.Trigger = strings.TrimSuffix(path.Base(embedding), embeddingSuffix)
	}
	if inst.Mode == "" {
		inst.Mode = ModeObject
	}
	return inst, nil
}

func (in *Injector) installSingle(l *model.Lora, ckpt string) (*Installed, error) {
	ext := filepath.Ext(ckpt)
	if ext == "" {
		ext = ".safetensors"
	}
	inst := &Installed{
		Lora:     l,
		LoraFile: strings.ToLower(l.ID) + ext,
		Trigger:  l.Name,
	}
	if err := copyFile(in.fs, ckpt, in.path("models", "loras", inst.LoraFile)); err != nil {
		return nil, fmt.Errorf("install weights: %w", err)
	}
	return inst, nil
}

// findOne returns the first file in bundle matching pattern.
func findOne(bundle fs.FS, pattern string) (string, error) {
	matches, err := doublestar.Glob(bundle, pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("archive has no file matching %s", path.Base(pattern))
	}
	sort.Strings(matches)
	return matches[0], nil
}

// readTrainingArgs returns the trigger name and mode recorded by the
// trainer, if the bundle carries them.
func readTrainingArgs(bundle fs.FS) (trigger, mode string) {
	p, err := findOne(bundle, trainingArgsPattern)
	if err != nil {
		return "", ""
	}
	data, err := fs.ReadFile(bundle, p)
	if err != nil {
		return "", ""
	}
	var args struct {
		Name        string `json:"name"`
		ConceptMode string `json:"concept_mode"`
		Mode        string `json:"mode"`
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return "", ""
	}
	mode = args.ConceptMode
	if mode == "" {
		mode = args.Mode
	}
	return args.Name, strings.ToLower(mode)
}
