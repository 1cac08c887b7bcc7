package config_test

import (
	"slices"
	"testing"

	"github.com/huntmaster/huntmaster/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()

	old, next := config.Default(), config.Default()
	next.Server.LogLevel = config.LogDebug

	d := config.Diff(old, next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should not require restart: %v", d.RestartRequired)
	}
}

func TestDiff_HotFields(t *testing.T) {
	t.Parallel()

	old, next := config.Default(), config.Default()
	next.VADEnabled = false
	next.MasterCalls.Dir = "/srv/calls"

	d := config.Diff(old, next)
	if !d.VADEnabledChanged || !d.MasterCallsDirChanged {
		t.Errorf("got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("unexpected restart sections %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"frame size", func(c *config.Config) { c.FrameSize = 1024 }, "mfcc"},
		{"threshold", func(c *config.Config) { c.EnergyThreshold = 0.05 }, "vad"},
		{"ring", func(c *config.Config) { c.RingBufferSize = 64 }, "ring"},
		{"dtw", func(c *config.Config) { c.DTW.WindowRatio = 0.1 }, "dtw"},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server.listen_addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next := config.Default()
			tc.mutate(next)
			d := config.Diff(config.Default(), next)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tc.want)
			}
		})
	}
}

func TestDiff_SampleRateTouchesSeveralSections(t *testing.T) {
	t.Parallel()

	next := config.Default()
	next.SampleRate = 48000
	d := config.Diff(config.Default(), next)
	for _, want := range []string{"mfcc", "vad"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
}
