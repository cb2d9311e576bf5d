package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/gpu-aligner/internal/driver"
	"github.com/fxnlabs/gpu-aligner/internal/kernel"
)

// Defaults align proteins with BLOSUM62 and affine gaps, for
// sequences up to 1200 (reference) and 600 (query) residues.
const (
	DefaultMaxRefLen   = 1200
	DefaultMaxQueryLen = 600
	DefaultMatch       = 3
	DefaultMismatch    = -3
	DefaultGapOpen     = -6
	DefaultGapExtend   = -1
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		ID                 int    `yaml:"id"`
		Backend            string `yaml:"backend"`
		UtilizationPercent int    `yaml:"utilizationPercent"`
		// MemoryLimit caps emulated device memory on the CPU backend.
		MemoryLimit int64 `yaml:"memoryLimit"`
		// BatchSize overrides the capacity planner when positive.
		BatchSize int `yaml:"batchSize"`
	} `yaml:"device"`
	Alignment struct {
		Algorithm    string `yaml:"algorithm"`
		SequenceType string `yaml:"sequenceType"`
		MaxRefLen    int    `yaml:"maxRefLen"`
		MaxQueryLen  int    `yaml:"maxQueryLen"`
		CIGAR        bool   `yaml:"cigar"`
		Scoring      struct {
			Match     int16 `yaml:"match"`
			Mismatch  int16 `yaml:"mismatch"`
			GapOpen   int16 `yaml:"gapOpen"`
			GapExtend int16 `yaml:"gapExtend"`
		} `yaml:"scoring"`
	} `yaml:"alignment"`
	Output struct {
		Format string `yaml:"format"`
	} `yaml:"output"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Device.Backend = "auto"
	c.Device.UtilizationPercent = 100
	c.Alignment.Algorithm = "local"
	c.Alignment.SequenceType = "protein"
	c.Alignment.MaxRefLen = DefaultMaxRefLen
	c.Alignment.MaxQueryLen = DefaultMaxQueryLen
	c.Alignment.CIGAR = true
	c.Alignment.Scoring.Match = DefaultMatch
	c.Alignment.Scoring.Mismatch = DefaultMismatch
	c.Alignment.Scoring.GapOpen = DefaultGapOpen
	c.Alignment.Scoring.GapExtend = DefaultGapExtend
	c.Output.Format = "tsv"
	return &c
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that the YAML decoder cannot.
func (c *Config) Validate() error {
	if _, err := kernel.ParseAlgorithm(c.Alignment.Algorithm); err != nil {
		return err
	}
	if _, err := kernel.ParseSeqType(c.Alignment.SequenceType); err != nil {
		return err
	}
	if c.Alignment.MaxRefLen <= 0 || c.Alignment.MaxQueryLen <= 0 {
		return fmt.Errorf("maxRefLen and maxQueryLen must be positive, got %d and %d",
			c.Alignment.MaxRefLen, c.Alignment.MaxQueryLen)
	}
	if c.Alignment.MaxRefLen > 32767 || c.Alignment.MaxQueryLen > 32767 {
		return fmt.Errorf("sequence lengths above 32767 do not fit result coordinates")
	}
	if c.Alignment.Scoring.GapOpen > 0 || c.Alignment.Scoring.GapExtend > 0 {
		return fmt.Errorf("gap penalties must be <= 0")
	}
	if u := c.Device.UtilizationPercent; u < 1 || u > 100 {
		return fmt.Errorf("utilizationPercent must be within 1..100, got %d", u)
	}
	if c.Device.ID < 0 {
		return fmt.Errorf("device id must not be negative, got %d", c.Device.ID)
	}
	if c.Device.MemoryLimit < 0 || c.Device.BatchSize < 0 {
		return fmt.Errorf("memoryLimit and batchSize must not be negative")
	}
	switch c.Device.Backend {
	case "", "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("unknown device backend: %q", c.Device.Backend)
	}
	switch c.Output.Format {
	case "", "tsv", "json":
	default:
		return fmt.Errorf("unknown output format: %q", c.Output.Format)
	}
	return nil
}

// AlignmentConfig converts the alignment section for the driver. Protein
// alignments score with BLOSUM62; nucleotides with match/mismatch.
func (c *Config) AlignmentConfig() (driver.AlignmentConfig, error) {
	alg, err := kernel.ParseAlgorithm(c.Alignment.Algorithm)
	if err != nil {
		return driver.AlignmentConfig{}, err
	}
	seqType, err := kernel.ParseSeqType(c.Alignment.SequenceType)
	if err != nil {
		return driver.AlignmentConfig{}, err
	}
	s := c.Alignment.Scoring
	ac := driver.AlignmentConfig{
		Algorithm: alg,
		SeqType:   seqType,
		Scoring: kernel.Scoring{
			Match:     s.Match,
			Mismatch:  s.Mismatch,
			GapOpen:   s.GapOpen,
			GapExtend: s.GapExtend,
		},
		CIGAR: c.Alignment.CIGAR,
	}
	if seqType == kernel.Protein {
		ac.Scoring.Matrix = kernel.BLOSUM62()
	}
	return ac, nil
}
