package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowsmartly/avatar-worker/inbound"
)

func newRunCommand() *cobra.Command {
	var (
		jobID    string
		imageURL string
		audioURL string
		engine   string
	)

	cmd := &cobra.Command{
		Use:   "run [job.json]",
		Short: "Execute one job inline and print its result",
		Long: "Runs a single job through the full lifecycle without a queue: the job " +
			"comes from a platform-format JSON file or from the --image/--audio flags. " +
			"The result envelope prints to stdout; a failed job also sets a non-zero exit code.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jobPayload(args, jobID, imageURL, audioURL, engine)
			if err != nil {
				return err
			}
			return runOnce(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job id, minted when empty")
	cmd.Flags().StringVar(&imageURL, "image", "", "source image URL")
	cmd.Flags().StringVar(&audioURL, "audio", "", "driving audio URL")
	cmd.Flags().StringVar(&engine, "engine", "", "generation engine override")
	return cmd
}

func jobPayload(args []string, jobID, imageURL, audioURL, engine string) ([]byte, error) {
	if len(args) == 1 {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("read job file: %w", err)
		}
		return raw, nil
	}

	if strings.TrimSpace(imageURL) == "" || strings.TrimSpace(audioURL) == "" {
		return nil, fmt.Errorf("provide a job file or both --image and --audio")
	}
	input := map[string]any{
		"input_image_url": imageURL,
		"input_audio_url": audioURL,
	}
	if strings.TrimSpace(engine) != "" {
		input["engine"] = engine
	}
	payload := map[string]any{"input": input}
	if strings.TrimSpace(jobID) != "" {
		payload["id"] = jobID
	}
	return json.Marshal(payload)
}

func runOnce(cmd *cobra.Command, raw []byte) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Claims stay in-process here: repeating the same smoke job must run
	// again, not replay an old claim.
	deps := rt.service.Dependencies()
	dispatcher := inbound.NewDispatcher(rt.service, inbound.NewInMemoryClaimStore())
	dispatcher.Ledger = deps.JobStore
	dispatcher.Logger = deps.Logger

	result := dispatcher.DispatchJSON(ctx, raw)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	if result.Succeeded() {
		return nil
	}
	if result.Error != nil {
		return fmt.Errorf("job %s failed: %s: %s", result.JobID, result.Error.Kind, result.Error.Message)
	}
	return fmt.Errorf("job %s failed", result.JobID)
}
