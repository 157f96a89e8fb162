package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"jointfusion/pkg/config"
	"jointfusion/pkg/fusion"
	"jointfusion/pkg/visualization"
	"jointfusion/pkg/volio"
	"jointfusion/pkg/volume"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run label and intensity fusion as described by a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(runConfigPath)
		if err != nil {
			return err
		}
		return runFusion(cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "jointfusion.yaml", "Path to the run configuration")
	rootCmd.AddCommand(runCmd)
}

func runFusion(cfg *config.Config) error {
	params, err := paramsFromConfig(cfg)
	if err != nil {
		return err
	}

	dims := cfg.Input.Dims
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return fmt.Errorf("input.dims must be positive, got %v", dims)
	}
	if len(cfg.Input.TargetImages) == 0 {
		return fmt.Errorf("no target images configured")
	}
	if len(cfg.Input.Atlases) == 0 {
		return fmt.Errorf("no atlases configured")
	}

	f := fusion.NewFilter(params)

	slog.Info("loading target", "channels", len(cfg.Input.TargetImages))
	targets := make([]*volume.Grid[float64], 0, len(cfg.Input.TargetImages))
	for _, path := range cfg.Input.TargetImages {
		img, err := volio.LoadIntensity(path, dims)
		if err != nil {
			return err
		}
		targets = append(targets, img)
	}
	f.SetTargetImages(targets...)

	slog.Info("loading atlases", "count", len(cfg.Input.Atlases))
	for i, entry := range cfg.Input.Atlases {
		images := make([]*volume.Grid[float64], 0, len(entry.Images))
		for _, path := range entry.Images {
			img, err := volio.LoadIntensity(path, dims)
			if err != nil {
				return fmt.Errorf("atlas %d: %w", i, err)
			}
			images = append(images, img)
		}
		var seg *volume.Grid[int32]
		if entry.Segmentation != "" {
			if seg, err = volio.LoadLabels(entry.Segmentation, dims); err != nil {
				return fmt.Errorf("atlas %d segmentation: %w", i, err)
			}
		}
		f.AddAtlas(images, seg)
	}

	if cfg.Input.MaskImage != "" {
		mask, err := volio.LoadLabels(cfg.Input.MaskImage, dims)
		if err != nil {
			return fmt.Errorf("mask: %w", err)
		}
		f.SetMask(mask, cfg.Input.MaskLabel)
	}
	for _, excl := range cfg.Input.Exclusions {
		img, err := volio.LoadLabels(excl.Image, dims)
		if err != nil {
			return fmt.Errorf("exclusion for label %d: %w", excl.Label, err)
		}
		f.ExcludeLabel(excl.Label, img)
	}

	rc, err := f.Prepare()
	if err != nil {
		return err
	}
	slog.Info("prepared run", "config", rc.Describe())

	start := time.Now()
	if err := f.Run(rc, nil); err != nil {
		return err
	}
	slog.Info("voting finished", "elapsed", time.Since(start))

	return writeOutputs(cfg, rc)
}

func paramsFromConfig(cfg *config.Config) (fusion.Params, error) {
	params := fusion.DefaultParams()
	params.SearchRadius = volume.Offset{
		X: cfg.Fusion.SearchRadius[0],
		Y: cfg.Fusion.SearchRadius[1],
		Z: cfg.Fusion.SearchRadius[2],
	}
	params.PatchRadius = volume.Offset{
		X: cfg.Fusion.PatchRadius[0],
		Y: cfg.Fusion.PatchRadius[1],
		Z: cfg.Fusion.PatchRadius[2],
	}
	params.Alpha = cfg.Fusion.Alpha
	params.Beta = cfg.Fusion.Beta
	params.ConstrainNonnegative = cfg.Fusion.ConstrainNonnegative
	params.NumWorkers = cfg.Fusion.NumWorkers
	params.RetainPosteriorMaps = cfg.Output.RetainPosteriorMaps
	params.RetainVotingWeightMaps = cfg.Output.RetainVotingWeightMaps

	switch cfg.Fusion.Metric {
	case "", "meansquares":
		params.Metric = fusion.MetricMeanSquares
	case "pearson":
		params.Metric = fusion.MetricPearson
	default:
		return params, fmt.Errorf("unknown metric %q", cfg.Fusion.Metric)
	}

	if cfg.Output.Verbose {
		lastPercent := -1
		params.Progress = func(completed, total int) {
			percent := completed * 100 / total
			if percent/10 > lastPercent/10 {
				lastPercent = percent
				slog.Info("voting progress", "percent", percent)
			}
		}
	}
	return params, nil
}

func writeOutputs(cfg *config.Config, rc *fusion.RunContext) error {
	if cfg.Output.Segmentation != "" && len(rc.Labels()) > 0 {
		slog.Info("writing segmentation", "path", cfg.Output.Segmentation, "labels", len(rc.Labels()))
		if err := volio.SaveLabels(cfg.Output.Segmentation, rc.Segmentation); err != nil {
			return err
		}
	}

	if cfg.Output.FusedDir != "" {
		if err := os.MkdirAll(cfg.Output.FusedDir, 0755); err != nil {
			return err
		}
		for c, img := range rc.FusedImages {
			path := filepath.Join(cfg.Output.FusedDir, fmt.Sprintf("fused_modality_%d.npy", c))
			if err := volio.SaveIntensity(path, img); err != nil {
				return err
			}
			mean, std := stat.MeanStdDev(img.Data, nil)
			slog.Info("wrote fused channel", "path", path, "mean", mean, "std", std)
		}
	}

	if cfg.Output.RetainPosteriorMaps && cfg.Output.PosteriorDir != "" {
		if err := os.MkdirAll(cfg.Output.PosteriorDir, 0755); err != nil {
			return err
		}
		for label, post := range rc.PosteriorMaps {
			path := filepath.Join(cfg.Output.PosteriorDir, fmt.Sprintf("posterior_label_%d.npy", label))
			if err := volio.SaveIntensity(path, post); err != nil {
				return err
			}
		}
		slog.Info("wrote posterior maps", "dir", cfg.Output.PosteriorDir, "count", len(rc.PosteriorMaps))
	}

	if cfg.Output.RetainVotingWeightMaps && cfg.Output.VotingWeightDir != "" {
		if err := os.MkdirAll(cfg.Output.VotingWeightDir, 0755); err != nil {
			return err
		}
		for i, vw := range rc.VotingWeightMaps {
			path := filepath.Join(cfg.Output.VotingWeightDir, fmt.Sprintf("voting_weight_atlas_%d.npy", i))
			if err := volio.SaveIntensity(path, vw); err != nil {
				return err
			}
		}
		slog.Info("wrote voting weight maps", "dir", cfg.Output.VotingWeightDir, "count", len(rc.VotingWeightMaps))
	}

	if cfg.Output.SnapshotDir != "" && len(rc.FusedImages) > 0 {
		var seg *volume.Grid[int32]
		if len(rc.Labels()) > 0 {
			seg = rc.Segmentation
		}
		if err := visualization.WriteSnapshots(cfg.Output.SnapshotDir, rc.FusedImages[0], seg); err != nil {
			return err
		}
		slog.Info("wrote snapshots", "dir", cfg.Output.SnapshotDir)
	}

	return nil
}
