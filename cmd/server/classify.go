package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osamashannak/siren-detection-service/internal/detection"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <file>...",
	Short: "Runs detection on local files",
	Long:  `Runs the detection pipeline on each file and prints one JSON object per line.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}

type classifyOutput struct {
	File   string `json:"file"`
	Result string `json:"result,omitempty"`
	Frames int    `json:"frames,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout stays machine readable
	cfg.Logging.Output = "stderr"
	logger := initLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0

	for _, path := range args {
		out := classifyOutput{File: path}

		data, err := os.ReadFile(path)
		if err != nil {
			out.Error = err.Error()
			failed++
			enc.Encode(out)
			continue
		}

		res, err := p.detector.Detect(ctx, &detection.Upload{Filename: filepath.Base(path), Data: data})
		if err != nil {
			out.Error = detection.Classify(err).PublicMessage()
			failed++
		} else {
			out.Result = res.Result
			out.Frames = res.Frames
		}

		if err := enc.Encode(out); err != nil {
			return err
		}
		logger.Debug("Classified file", slog.String("file", path), slog.String("result", out.Result))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}
