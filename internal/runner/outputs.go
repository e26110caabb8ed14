package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/storage"
)

// Training tasks name their bundle and its base model with these arguments.
const (
	argLoraName  = "name"
	argBaseModel = "base_model"
)

var errNoOutput = errors.New("backend produced no output")

// persist turns one sample's output into result items, uploading media
// files to storage.
func (r *Runner) persist(ctx context.Context, outputType string, out model.Output) ([]model.ResultItem, error) {
	if !model.IsMedia(outputType) {
		v := out.Value
		if v == nil && len(out.Files) > 0 {
			v = strings.Join(out.Files, "")
		}
		return []model.ResultItem{{Value: v}}, nil
	}

	if len(out.Files) == 0 {
		return nil, errNoOutput
	}

	var thumb string
	if out.Thumbnail != "" {
		u, err := r.put(ctx, out.Thumbnail)
		if err != nil {
			return nil, fmt.Errorf("thumbnail: %w", err)
		}
		thumb = u
	}

	items := make([]model.ResultItem, 0, len(out.Files))
	for _, f := range out.Files {
		u, err := r.put(ctx, f)
		if err != nil {
			return nil, err
		}
		items = append(items, model.ResultItem{URL: u, Thumbnail: thumb})
	}
	return items, nil
}

// put uploads a local path, or a remote URL after fetching it.
func (r *Runner) put(ctx context.Context, ref string) (string, error) {
	if storage.IsRemote(ref) {
		local := filepath.Join(r.workDir, strings.ToLower(model.NewID())+remoteExt(ref))
		if _, err := r.files.Download(ctx, ref, local); err != nil {
			return "", err
		}
		defer r.fs.Remove(local)
		ref = local
	}
	return r.files.Upload(ctx, ref)
}

// remoteExt returns the extension of a URL's path, falling back to a
// filename query parameter as used by media engine download endpoints.
func remoteExt(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return path.Ext(u.Query().Get("filename"))
}

// recordLora saves the bundle a completed training task produced. Failures
// are logged; the task itself already succeeded.
func (r *Runner) recordLora(ctx context.Context, task *model.Task) {
	log := r.log.WithFields(logrus.Fields{"task_id": task.ID, "user": task.User})
	if len(task.Result) == 0 || task.Result[0].URL == "" {
		log.Warn("training task completed without a checkpoint")
		return
	}

	name, _ := task.Args[argLoraName].(string)
	if name == "" {
		name = strings.ToLower(task.ID)
	}
	base, _ := task.Args[argBaseModel].(string)
	if base == "" {
		base = model.BaseModelSDXL
	}

	l := &model.Lora{
		ID:         model.NewID(),
		User:       task.User,
		Name:       name,
		Checkpoint: task.Result[0].URL,
		BaseModel:  base,
		Thumbnail:  task.Result[0].Thumbnail,
		TaskID:     task.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateLora(ctx, l); err != nil {
		log.WithError(err).Error("failed to record lora")
		return
	}
	log.WithField("slug", l.Slug).Info("lora recorded")
}
