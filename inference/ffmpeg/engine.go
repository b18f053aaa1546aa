// Package ffmpeg renders a still-image fallback video: the source
// image looped over the driving audio track. It keeps the worker
// serviceable on hosts without the full MuseTalk pipeline.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/inference"
)

const EngineName = "ffmpeg-still"

const defaultBinary = "ffmpeg"
const defaultTimeout = 60 * time.Second
const stderrTailBytes = 512

type Config struct {
	BinaryPath string
	Timeout    time.Duration
}

type Engine struct {
	runner inference.CommandRunner
	config Config
}

func NewEngine(runner inference.CommandRunner, cfg Config) *Engine {
	if runner == nil {
		runner = inference.ExecRunner{}
	}
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{runner: runner, config: cfg}
}

func (e *Engine) Name() string { return EngineName }

func (e *Engine) Probe(ctx context.Context) error {
	if _, err := e.runner.Run(ctx, inference.CommandSpec{
		Name: e.config.BinaryPath,
		Args: []string{"-version"},
	}); err != nil {
		return fmt.Errorf("ffmpeg: binary unavailable at %s: %w", e.config.BinaryPath, err)
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

	outputDir := strings.TrimSpace(req.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Dir(req.ImagePath)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return core.GenerationArtifact{}, inference.WrapError(
			err,
			goerrors.CategoryInternal,
			"ffmpeg: output directory unavailable",
			500,
			core.ErrorCodeInternal,
			map[string]any{"dir": outputDir},
		)
	}
	outputPath := filepath.Join(outputDir, "output.mp4")

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	output, err := e.runner.Run(runCtx, inference.CommandSpec{
		Name: e.config.BinaryPath,
		Args: []string{
			"-y",
			"-loop", "1",
			"-i", req.ImagePath,
			"-i", req.AudioPath,
			"-c:v", "libx264",
			"-tune", "stillimage",
			"-c:a", "aac",
			"-b:a", "192k",
			"-pix_fmt", "yuv420p",
			"-shortest",
			outputPath,
		},
	})
	if err != nil {
		return core.GenerationArtifact{}, classifyRunFailure(err, output)
	}
	if output.ExitCode != 0 {
		return core.GenerationArtifact{}, failureFromOutput(output)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return core.GenerationArtifact{}, inference.NewError(
			"ffmpeg: no output video produced",
			goerrors.CategoryExternal,
			502,
			core.ErrorCodeInferenceModelFailure,
			map[string]any{"path": outputPath},
		)
	}
	return core.GenerationArtifact{VideoPath: outputPath}, nil
}

func classifyRunFailure(err error, output inference.CommandOutput) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return inference.WrapError(
			err,
			goerrors.CategoryOperation,
			"ffmpeg: render exceeded its deadline",
			504,
			core.ErrorCodeInferenceTimeout,
			map[string]any{"elapsed_ms": output.Duration.Milliseconds()},
		)
	}
	if inference.LooksResourceExhausted(output.Stderr) {
		return inference.NewError(
			"ffmpeg: host memory exhausted",
			goerrors.CategoryOperation,
			503,
			core.ErrorCodeInferenceResourceExhausted,
			metadataFromOutput(output),
		)
	}
	return inference.WrapError(
		err,
		goerrors.CategoryExternal,
		"ffmpeg: render process failed",
		502,
		core.ErrorCodeInferenceModelFailure,
		metadataFromOutput(output),
	)
}

func failureFromOutput(output inference.CommandOutput) error {
	message := "ffmpeg: render failed"
	if tail := inference.Tail(output.Stderr, stderrTailBytes); tail != "" {
		message = fmt.Sprintf("ffmpeg: render failed: %s", tail)
	}
	return inference.NewError(
		message,
		goerrors.CategoryExternal,
		502,
		core.ErrorCodeInferenceModelFailure,
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

var _ core.GenerationEngine = (*Engine)(nil)
var _ core.EngineProber = (*Engine)(nil)
