// Package config provides configuration loading and management for
// jointfusion. It handles loading run configurations from YAML files and
// provides the reference defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// AtlasEntry names the on-disk volumes of one atlas: its modality channels
// and an optional segmentation.
type AtlasEntry struct {
	// Images are the modality channel volumes, one path per modality.
	Images []string `yaml:"images"`

	// Segmentation is the label volume path; empty for intensity-only
	// atlases.
	Segmentation string `yaml:"segmentation,omitempty"`
}

// ExclusionEntry flags voxels where a label must never win.
type ExclusionEntry struct {
	Label int32  `yaml:"label"`
	Image string `yaml:"image"`
}

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Input volumes
	Input struct {
		// TargetImages are the target modality channels; either one
		// channel or one per atlas modality.
		TargetImages []string `yaml:"targetImages"`

		// Atlases lists the co-registered atlases.
		Atlases []AtlasEntry `yaml:"atlases"`

		// MaskImage restricts processing, MaskLabel is its "inside"
		// value.
		MaskImage string `yaml:"maskImage,omitempty"`
		MaskLabel int32  `yaml:"maskLabel"`

		// Exclusions lists per-label exclusion volumes.
		Exclusions []ExclusionEntry `yaml:"exclusions,omitempty"`

		// Dims gives the volume dimensions, required for NIfTI inputs
		// and validated against .npy shapes.
		Dims [3]int `yaml:"dims"`
	} `yaml:"input"`

	// Fusion parameters
	Fusion struct {
		// SearchRadius bounds the patch search neighborhood per axis.
		SearchRadius [3]int `yaml:"searchRadius"`

		// PatchRadius defines the patch neighborhood per axis.
		PatchRadius [3]int `yaml:"patchRadius"`

		// Alpha is the ridge regularization weight.
		Alpha float64 `yaml:"alpha"`

		// Beta is the similarity exponent.
		Beta float64 `yaml:"beta"`

		// Metric selects the patch dissimilarity measure:
		// "meansquares" (default) or "pearson".
		Metric string `yaml:"metric"`

		// ConstrainNonnegative enables the NNLS weight solver.
		ConstrainNonnegative bool `yaml:"constrainNonnegative"`

		// NumWorkers is the worker pool size; 0 uses all CPUs.
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"fusion"`

	// Output volumes
	Output struct {
		// Segmentation is the consensus label volume path.
		Segmentation string `yaml:"segmentation"`

		// FusedDir receives one fused intensity volume per modality.
		FusedDir string `yaml:"fusedDir"`

		// RetainPosteriorMaps writes per-label posterior volumes into
		// PosteriorDir.
		RetainPosteriorMaps bool   `yaml:"retainPosteriorMaps"`
		PosteriorDir        string `yaml:"posteriorDir,omitempty"`

		// RetainVotingWeightMaps writes per-atlas voting weight
		// volumes into VotingWeightDir.
		RetainVotingWeightMaps bool   `yaml:"retainVotingWeightMaps"`
		VotingWeightDir        string `yaml:"votingWeightDir,omitempty"`

		// SnapshotDir receives mid-volume slice images of the fused
		// intensity and segmentation for quick inspection.
		SnapshotDir string `yaml:"snapshotDir,omitempty"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with the reference defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.MaskLabel = 1

	cfg.Fusion.SearchRadius = [3]int{3, 3, 3}
	cfg.Fusion.PatchRadius = [3]int{2, 2, 2}
	cfg.Fusion.Alpha = 0.1
	cfg.Fusion.Beta = 2.0
	cfg.Fusion.Metric = "meansquares"
	cfg.Fusion.NumWorkers = runtime.NumCPU()

	cfg.Output.Segmentation = "segmentation.npy"
	cfg.Output.FusedDir = "fused"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
