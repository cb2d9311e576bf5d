package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/gpu-aligner/fixtures"
	"github.com/fxnlabs/gpu-aligner/internal/kernel"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, 1, config.Device.ID)
		assert.Equal(t, "cpu", config.Device.Backend)
		assert.Equal(t, 80, config.Device.UtilizationPercent)
		assert.Equal(t, int64(1048576), config.Device.MemoryLimit)
		assert.Equal(t, "global", config.Alignment.Algorithm)
		assert.Equal(t, "dna", config.Alignment.SequenceType)
		assert.Equal(t, 800, config.Alignment.MaxRefLen)
		assert.Equal(t, 400, config.Alignment.MaxQueryLen)
		assert.Equal(t, int16(-2), config.Alignment.Scoring.GapOpen)
		assert.Equal(t, "json", config.Output.Format)
		assert.Equal(t, "127.0.0.1:9090", config.Metrics.ListenAddress)
		require.NoError(t, config.Validate())

		// Keys missing from the file keep their defaults.
		assert.True(t, config.Alignment.CIGAR)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})
}

func TestConfigTemplate(t *testing.T) {
	var fromTemplate Config
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &fromTemplate))
	assert.Equal(t, Default(), &fromTemplate)
	assert.NoError(t, fromTemplate.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"algorithm", func(c *Config) { c.Alignment.Algorithm = "banded" }},
		{"sequence type", func(c *Config) { c.Alignment.SequenceType = "rna" }},
		{"zero max length", func(c *Config) { c.Alignment.MaxQueryLen = 0 }},
		{"coordinates overflow", func(c *Config) { c.Alignment.MaxRefLen = 40000 }},
		{"positive gap", func(c *Config) { c.Alignment.Scoring.GapExtend = 1 }},
		{"utilization", func(c *Config) { c.Device.UtilizationPercent = 0 }},
		{"device id", func(c *Config) { c.Device.ID = -1 }},
		{"memory limit", func(c *Config) { c.Device.MemoryLimit = -1 }},
		{"backend", func(c *Config) { c.Device.Backend = "metal" }},
		{"format", func(c *Config) { c.Output.Format = "sam" }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestAlignmentConfig(t *testing.T) {
	t.Run("protein uses BLOSUM62", func(t *testing.T) {
		ac, err := Default().AlignmentConfig()
		require.NoError(t, err)
		assert.Equal(t, kernel.Local, ac.Algorithm)
		assert.Equal(t, kernel.Protein, ac.SeqType)
		require.NotNil(t, ac.Scoring.Matrix)
		assert.Equal(t, kernel.ProteinAlphabet, ac.Scoring.Matrix.Alphabet)
		assert.Equal(t, int16(-6), ac.Scoring.GapOpen)
		assert.True(t, ac.CIGAR)
	})

	t.Run("dna uses match and mismatch", func(t *testing.T) {
		c := Default()
		c.Alignment.SequenceType = "dna"
		c.Alignment.Algorithm = "nw"
		ac, err := c.AlignmentConfig()
		require.NoError(t, err)
		assert.Equal(t, kernel.Global, ac.Algorithm)
		assert.Nil(t, ac.Scoring.Matrix)
		assert.Equal(t, kernel.Scoring{Match: 3, Mismatch: -3, GapOpen: -6, GapExtend: -1}, ac.Scoring)
	})

	t.Run("invalid algorithm", func(t *testing.T) {
		c := Default()
		c.Alignment.Algorithm = "x"
		_, err := c.AlignmentConfig()
		assert.Error(t, err)
	})
}
