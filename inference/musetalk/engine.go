// Package musetalk drives the MuseTalk inference pipeline through its
// python entrypoint. One Generate call fully occupies the accelerator;
// callers serialize jobs upstream.
package musetalk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/inference"
)

const EngineName = "musetalk"

const defaultPythonBin = "python"
const defaultFPS = 25
const defaultBatchSize = 8
const stderrTailBytes = 512

type Config struct {
	PythonBin    string
	WorkspaceDir string
	ModelDir     string
	ScriptPath   string
}

type Engine struct {
	runner inference.CommandRunner
	config Config
}

func NewEngine(runner inference.CommandRunner, cfg Config) *Engine {
	if runner == nil {
		runner = inference.ExecRunner{}
	}
	if strings.TrimSpace(cfg.PythonBin) == "" {
		cfg.PythonBin = defaultPythonBin
	}
	return &Engine{runner: runner, config: cfg}
}

func (e *Engine) Name() string { return EngineName }

// Probe reports whether the model weights and inference script are in
// place. Weights are fetched at image build time, so a miss means the
// worker booted from an incomplete volume.
func (e *Engine) Probe(context.Context) error {
	if modelDir := strings.TrimSpace(e.config.ModelDir); modelDir != "" {
		info, err := os.Stat(modelDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("musetalk: model weights not found at %s", modelDir)
		}
	}
	script := e.scriptPath()
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("musetalk: inference script not found at %s", script)
	}
	return nil
}

func (e *Engine) Generate(ctx context.Context, req core.GenerationRequest) (core.GenerationArtifact, error) {
	if err := inference.ValidateInput(req.ImagePath, core.MediaKindImage); err != nil {
		return core.GenerationArtifact{}, err
	}
	if err := inference.ValidateInput(req.AudioPath, core.MediaKindAudio); err != nil {
		return core.GenerationArtifact{}, err
	}
	if err := e.Probe(ctx); err != nil {
		return core.GenerationArtifact{}, inference.WrapError(
			err,
			goerrors.CategoryInternal,
			"musetalk: engine is not ready",
			500,
			core.ErrorCodeInferenceModelFailure,
			nil,
		)
	}

	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Dir(req.ImagePath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return core.GenerationArtifact{}, inference.WrapError(
			err,
			goerrors.CategoryInternal,
			"musetalk: output directory unavailable",
			500,
			core.ErrorCodeInternal,
			map[string]any{"dir": outputDir},
		)
	}

	fps := req.Options.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	batchSize := req.Options.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	output, err := e.runner.Run(ctx, inference.CommandSpec{
		Name: e.config.PythonBin,
		Args: []string{
			e.scriptPath(),
			"--source_image", req.ImagePath,
			"--driven_audio", req.AudioPath,
			"--result_dir", outputDir,
			"--fps", strconv.Itoa(fps),
			"--batch_size", strconv.Itoa(batchSize),
		},
		Dir: strings.TrimSpace(e.config.WorkspaceDir),
	})
	if err != nil {
		return core.GenerationArtifact{}, classifyRunFailure(err, output)
	}
	if output.ExitCode != 0 {
		return core.GenerationArtifact{}, failureFromOutput(output)
	}

	videoPath, err := locateArtifact(outputDir)
	if err != nil {
		return core.GenerationArtifact{}, err
	}
	return core.GenerationArtifact{VideoPath: videoPath}, nil
}

func (e *Engine) scriptPath() string {
	if script := strings.TrimSpace(e.config.ScriptPath); script != "" {
		return script
	}
	return filepath.Join(strings.TrimSpace(e.config.WorkspaceDir), "scripts", "inference.py")
}

func classifyRunFailure(err error, output inference.CommandOutput) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return inference.WrapError(
			err,
			goerrors.CategoryOperation,
			"musetalk: generation exceeded its deadline",
			504,
			core.ErrorCodeInferenceTimeout,
			map[string]any{"elapsed_ms": output.Duration.Milliseconds()},
		)
	}
	if inference.LooksResourceExhausted(output.Stderr) || inference.LooksResourceExhausted(output.Stdout) {
		return resourceExhausted(output)
	}
	return inference.WrapError(
		err,
		goerrors.CategoryExternal,
		"musetalk: inference process failed",
		502,
		core.ErrorCodeInferenceModelFailure,
		metadataFromOutput(output),
	)
}

func failureFromOutput(output inference.CommandOutput) error {
	if inference.LooksResourceExhausted(output.Stderr) || inference.LooksResourceExhausted(output.Stdout) {
		return resourceExhausted(output)
	}
	message := "musetalk: inference failed"
	if tail := inference.Tail(output.Stderr, stderrTailBytes); tail != "" {
		message = fmt.Sprintf("musetalk: inference failed: %s", tail)
	}
	return inference.NewError(
		message,
		goerrors.CategoryExternal,
		502,
		core.ErrorCodeInferenceModelFailure,
		metadataFromOutput(output),
	)
}

func resourceExhausted(output inference.CommandOutput) error {
	return inference.NewError(
		"musetalk: accelerator memory exhausted",
		goerrors.CategoryOperation,
		503,
		core.ErrorCodeInferenceResourceExhausted,
		metadataFromOutput(output),
	)
}

func metadataFromOutput(output inference.CommandOutput) map[string]any {
	return map[string]any{
		"exit_code":   output.ExitCode,
		"stderr_tail": inference.Tail(output.Stderr, stderrTailBytes),
		"duration_ms": output.Duration.Milliseconds(),
	}
}

// locateArtifact resolves the video the pipeline produced. The script
// names its output after the source clip, so anything but output.mp4
// is renamed into place.
func locateArtifact(outputDir string) (string, error) {
	videos, err := filepath.Glob(filepath.Join(outputDir, "*.mp4"))
	if err != nil {
		return "", inference.WrapError(
			err,
			goerrors.CategoryInternal,
			"musetalk: scan output directory",
			500,
			core.ErrorCodeInternal,
			map[string]any{"dir": outputDir},
		)
	}
	if len(videos) == 0 {
		return "", inference.NewError(
			"musetalk: no output video generated",
			goerrors.CategoryExternal,
			502,
			core.ErrorCodeInferenceModelFailure,
			map[string]any{"dir": outputDir},
		)
	}
	target := filepath.Join(outputDir, "output.mp4")
	for _, video := range videos {
		if video == target {
			return target, nil
		}
	}
	sort.Strings(videos)
	if err := os.Rename(videos[0], target); err != nil {
		return "", inference.WrapError(
			err,
			goerrors.CategoryInternal,
			"musetalk: stage output artifact",
			500,
			core.ErrorCodeInternal,
			map[string]any{"dir": outputDir},
		)
	}
	return target, nil
}

var _ core.GenerationEngine = (*Engine)(nil)
var _ core.EngineProber = (*Engine)(nil)
