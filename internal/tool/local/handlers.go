package local

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"

	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
)

// Handlers returns the built-in functions local tools can name. Images are
// written to fs under workDir.
func Handlers(fs afero.Fs, workDir string) map[string]runner.Func {
	return map[string]runner.Func{
		"echo":       Echo,
		"word_count": WordCount,
		"noise":      Noise(fs, workDir),
	}
}

// Echo returns the prompt unchanged.
func Echo(_ context.Context, args map[string]any) (model.Output, error) {
	prompt, _ := args[model.ArgPrompt].(string)
	return model.Output{Value: prompt}, nil
}

// WordCount counts the words of the prompt.
func WordCount(_ context.Context, args map[string]any) (model.Output, error) {
	prompt, _ := args[model.ArgPrompt].(string)
	return model.Output{Value: len(strings.Fields(prompt))}, nil
}

// Noise renders a grayscale noise image seeded by the seed argument, so
// each sample of a task differs.
func Noise(fs afero.Fs, workDir string) runner.Func {
	return func(ctx context.Context, args map[string]any) (model.Output, error) {
		w, h := intArg(args, "width", 64), intArg(args, "height", 64)
		if w <= 0 || h <= 0 || w > 4096 || h > 4096 {
			return model.Output{}, fmt.Errorf("invalid size %dx%d", w, h)
		}
		seed := uint64(intArg(args, model.ArgSeed, 0))
		rng := rand.New(rand.NewPCG(seed, seed>>1|1))

		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			if ctx.Err() != nil {
				return model.Output{}, context.Cause(ctx)
			}
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(rng.IntN(256))})
			}
		}

		if err := fs.MkdirAll(workDir, 0o755); err != nil {
			return model.Output{}, err
		}
		f, err := afero.TempFile(fs, workDir, "noise-*.png")
		if err != nil {
			return model.Output{}, err
		}
		defer f.Close()
		if err := png.Encode(f, img); err != nil {
			fs.Remove(f.Name())
			return model.Output{}, fmt.Errorf("encode png: %w", err)
		}
		return model.Output{Files: []string{f.Name()}}, nil
	}
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
