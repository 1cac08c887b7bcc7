package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/huntmaster/huntmaster/internal/engine"
	"github.com/huntmaster/huntmaster/internal/mastercall"
	"github.com/huntmaster/huntmaster/pkg/audio/resample"
	"github.com/huntmaster/huntmaster/pkg/dtw"
)

// AttemptScore is the outcome of scoring one recording against a master call.
type AttemptScore struct {
	Path   string
	Frames int
	Result dtw.Result

	// Err is set when the attempt could not be scored. Other attempts are
	// unaffected.
	Err error
}

// feedChunk is the number of samples pushed per ProcessAudioChunk call when
// scoring files.
const feedChunk = 4096

// RegisterMasterFile loads the WAV file at path into the library under the
// file's base name and returns that id. The recording passes the same voice
// activity gate as the attempts scored against it.
func (a *App) RegisterMasterFile(ctx context.Context, path string) (string, error) {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	mc, err := mastercall.LoadWAVFile(ctx, path, id, a.buildMasterCall)
	if err != nil {
		return "", fmt.Errorf("app: master call: %w", err)
	}
	if mc, err = a.library.Add(mc); err != nil {
		return "", fmt.Errorf("app: master call: %w", err)
	}
	slog.Info("app: master call registered", "id", id, "frames", mc.Frames(), "duration", mc.Meta.Duration)
	return id, nil
}

// ScoreFiles scores every attempt against masterID concurrently, at most
// limit at a time (limit < 1 means unbounded). Results are returned in input
// order; per-file failures are reported in AttemptScore.Err.
func (a *App) ScoreFiles(ctx context.Context, masterID string, attempts []string, limit int) ([]AttemptScore, error) {
	out := make([]AttemptScore, len(attempts))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, path := range attempts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = a.scoreFile(ctx, masterID, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (a *App) scoreFile(ctx context.Context, masterID, path string) AttemptScore {
	res := AttemptScore{Path: path}

	f, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	samples, rate, err := mastercall.ReadWAV(f)
	_ = f.Close()
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}
	// Recordings from other devices are brought to the analysis rate.
	if rate != a.cfg.SampleRate {
		if samples, err = resample.Mono(samples, rate, a.cfg.SampleRate); err != nil {
			res.Err = err
			return res
		}
		rate = a.cfg.SampleRate
	}

	id, err := a.engine.CreateSession(rate, 0)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = a.engine.DestroySession(id) }()

	if err := a.engine.LoadMasterCall(ctx, id, masterID); err != nil {
		res.Err = err
		return res
	}
	if res.Err = feedAll(ctx, a.engine, id, samples); res.Err != nil {
		return res
	}

	res.Frames, _ = a.engine.FeatureCount(id)
	res.Result, res.Err = a.engine.Align(ctx, id)
	slog.Debug("app: attempt scored", "path", path, "frames", res.Frames, "score", res.Result.Score, "err", res.Err)
	return res
}

// feedAll pushes samples into the session in fixed chunks, as a live capture
// would.
func feedAll(ctx context.Context, eng *engine.Engine, id engine.SessionID, samples []float32) error {
	for off := 0; off < len(samples); off += feedChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+feedChunk, len(samples))
		if _, err := eng.ProcessAudioChunk(ctx, id, samples[off:end]); err != nil {
			return err
		}
	}
	return nil
}
