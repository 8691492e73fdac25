package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "memory driver needs no database",
			env:  map[string]string{"STORAGE_DRIVER": "memory"},
			check: func(t *testing.T, c *Config) {
				assert.True(t, c.UseMemoryStore())
				assert.Equal(t, 0.8, c.AutoGroupingThreshold)
				assert.Equal(t, 30*24*time.Hour, c.ExtractionLogRetention)
			},
		},
		{
			name:    "postgres requires a url",
			env:     map[string]string{"STORAGE_DRIVER": "postgres", "DATABASE_URL": ""},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORAGE_DRIVER": "sqlite"},
			wantErr: true,
		},
		{
			name: "durations and slices",
			env: map[string]string{
				"STORAGE_DRIVER":  "memory",
				"JOB_TIMEOUT":     "90s",
				"ALLOWED_ORIGINS": "https://a.example, https://b.example",
				"RATE_WINDOW":     "not-a-duration",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 90*time.Second, c.JobTimeout)
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
				assert.Equal(t, time.Minute, c.RateWindow)
			},
		},
		{
			name:    "production requires a jwt secret",
			env:     map[string]string{"STORAGE_DRIVER": "memory", "ENV": "production", "JWT_SECRET": ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			c, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestLoadTuningMissingFile(t *testing.T) {
	tuning, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, confidence.DefaultTuning(), tuning.ConfidenceTuning())
}

func TestLoadTuningOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  auto_grouping: 0.75
  manual_review: 0.55
weights:
  address: 0.5
unknown_weight: 0.05
adjustments:
  different_address: -0.3
similarity:
  accept_threshold: 0.9
learning:
  min_occurrences: 5
scan:
  batch_size: 25
  incremental_window: 72h
`), 0o600))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)

	c := &Config{
		AutoGroupingThreshold:    0.8,
		HighConfidenceThreshold:  0.9,
		LowConfidenceThreshold:   0.5,
		ManualReviewThreshold:    0.6,
		ProjectCreationThreshold: 0.7,
	}
	assert.Equal(t, domain.Thresholds{
		AutoGrouping:    0.75,
		HighConfidence:  0.9,
		LowConfidence:   0.5,
		ManualReview:    0.55,
		ProjectCreation: 0.7,
	}, c.Thresholds(tuning))

	ct := tuning.ConfidenceTuning()
	assert.Equal(t, 0.5, ct.Weights[confidence.SignalAddress])
	assert.Equal(t, 0.3, ct.Weights[confidence.SignalJobNumber])
	assert.Equal(t, 0.05, ct.UnknownWeight)
	assert.Equal(t, -0.3, ct.Adjustments.DifferentAddress)
	assert.Equal(t, 0.15, ct.Adjustments.SameAddress)

	assert.Equal(t, 0.9, tuning.Similarity.AcceptThreshold)
	assert.Equal(t, 5, tuning.Learning.MinOccurrences)
	assert.Equal(t, 25, tuning.Scan.BatchSize)
	assert.Equal(t, 72*time.Hour, tuning.Scan.IncrementalWindow)
}

func TestLoadTuningRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: [not, a, map"), 0o600))

	_, err := LoadTuning(path)
	assert.Error(t, err)
}
