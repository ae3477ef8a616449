package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8090", cfg.Service.URL)
	require.Equal(t, 60, cfg.Run.DurationSeconds)
	require.Equal(t, 64, cfg.Run.WorkerConcurrency)
	require.Equal(t, 1000, cfg.Run.MetricsBufferSize)
	require.True(t, cfg.Run.CorrectnessChecking)
	require.Len(t, cfg.Tiers, 2)
	require.Equal(t, "small", cfg.Tiers[0].Name)
	require.Equal(t, 3, cfg.Tiers[0].TeamCount)
	require.Equal(t, 5.0, cfg.Tiers[0].JobsPerSecond)
	require.Equal(t, 60*time.Second, cfg.Duration())
	require.Equal(t, 5*time.Second, cfg.ReportInterval())
	require.Equal(t, 5000*time.Millisecond, cfg.JobProcessingDelay())
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("run.duration_seconds", 5)
	v.Set("service.url", "http://queue.internal:9000")
	v.Set("team_tiers", []map[string]any{
		{"name": "only", "team_count": 1, "concurrency_limit": 4, "jobs_per_second": 1.5},
	})

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Duration())
	require.Equal(t, "http://queue.internal:9000", cfg.Service.URL)
	require.Len(t, cfg.Tiers, 1)
	require.Equal(t, 1.5, cfg.Tiers[0].JobsPerSecond)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(v *viper.Viper)
	}{
		{"empty url", func(v *viper.Viper) { v.Set("service.url", "") }},
		{"zero duration", func(v *viper.Viper) { v.Set("run.duration_seconds", 0) }},
		{"zero concurrency", func(v *viper.Viper) { v.Set("run.worker_concurrency", 0) }},
		{"zero delay", func(v *viper.Viper) { v.Set("run.job_processing_delay_ms", 0) }},
		{"zero buffer", func(v *viper.Viper) { v.Set("run.metrics_buffer_size", 0) }},
		{"no tiers", func(v *viper.Viper) { v.Set("team_tiers", []map[string]any{}) }},
		{"bad tier", func(v *viper.Viper) {
			v.Set("team_tiers", []map[string]any{
				{"name": "bad", "team_count": 0, "concurrency_limit": 1, "jobs_per_second": 1.0},
			})
		}},
		{"bad archive provider", func(v *viper.Viper) { v.Set("archive.provider", "s3") }},
		{"gcs without bucket", func(v *viper.Viper) { v.Set("archive.provider", "gcs") }},
		{"pubsub without project", func(v *viper.Viper) { v.Set("pubsub.enabled", true) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v := viper.New()
			tc.mutate(v)
			_, err := Load(v)
			require.Error(t, err)
		})
	}
}
