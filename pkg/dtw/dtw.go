// Package dtw aligns two feature sequences with Dynamic Time Warping and turns
// the alignment cost into a similarity score in (0, 1].
//
// The accumulated cost is
//
//	C[i][j] = d(i, j) + min(C[i-1][j], C[i][j-1], C[i-1][j-1])
//
// where d is the Euclidean distance between frames. The final cost is divided
// by the number of cells on the optimal warping path, and the score is
// 1/(1+normalized). Identical sequences therefore score exactly 1.
package dtw

import (
	"fmt"
	"math"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// Config tunes the aligner.
type Config struct {
	// WindowRatio constrains the warp to a Sakoe-Chiba band of
	// ceil(WindowRatio × max(len1, len2)) frames. Zero disables the band. The
	// band is never narrower than the length difference, so the end cell
	// stays reachable.
	WindowRatio float64

	// DistanceWeight scales every local distance. Zero means 1.
	DistanceWeight float64

	// MinFrames is the fewest session frames Align accepts. Zero means 1.
	MinFrames int
}

// DefaultConfig returns an unconstrained aligner requiring one frame.
func DefaultConfig() Config {
	return Config{DistanceWeight: 1, MinFrames: 1}
}

// Validate reports whether c is usable.
func (c Config) Validate() error {
	switch {
	case c.WindowRatio < 0 || c.WindowRatio > 1 || math.IsNaN(c.WindowRatio):
		return fmt.Errorf("dtw: window ratio %v must be within [0, 1]: %w", c.WindowRatio, types.ErrInvalidConfig)
	case c.DistanceWeight < 0 || math.IsNaN(c.DistanceWeight) || math.IsInf(c.DistanceWeight, 0):
		return fmt.Errorf("dtw: distance weight %v must be finite and non-negative: %w", c.DistanceWeight, types.ErrInvalidConfig)
	case c.MinFrames < 0:
		return fmt.Errorf("dtw: min frames %d must not be negative: %w", c.MinFrames, types.ErrInvalidConfig)
	}
	return nil
}

// Step is one cell (session frame I, master frame J) on a warping path.
type Step struct {
	I, J int
}

// Result describes one alignment.
type Result struct {
	// Cost is the accumulated cost at the end cell.
	Cost float64

	// NormalizedCost is Cost divided by PathLength.
	NormalizedCost float64

	// PathLength is the number of cells on the optimal path.
	PathLength int

	// Score is 1/(1+NormalizedCost).
	Score float64

	// Path is the optimal path from (0,0) to the end cell. It is only
	// populated when Align is called with WithPath.
	Path []Step
}

// AlignOption customises a single Align call.
type AlignOption func(*alignOptions)

type alignOptions struct {
	path bool
}

// WithPath asks Align to recover the warping path. This costs one byte per
// matrix cell.
func WithPath() AlignOption {
	return func(o *alignOptions) { o.path = true }
}

// Aligner runs DTW with a fixed configuration. It holds no per-call state
// and is safe for concurrent use.
type Aligner struct {
	cfg Config
}

// New builds an Aligner.
func New(cfg Config) (*Aligner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DistanceWeight == 0 {
		cfg.DistanceWeight = 1
	}
	if cfg.MinFrames == 0 {
		cfg.MinFrames = 1
	}
	return &Aligner{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (a *Aligner) Config() Config { return a.cfg }

// Align is a convenience wrapper around an Aligner with DefaultConfig.
func Align(session, master types.FeatureMatrix, opts ...AlignOption) (Result, error) {
	return (&Aligner{cfg: DefaultConfig()}).Align(session, master, opts...)
}

// Score returns only the similarity score of Align.
func (a *Aligner) Score(session, master types.FeatureMatrix) (float64, error) {
	res, err := a.Align(session, master)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// backpointer moves.
const (
	moveDiag uint8 = iota
	moveUp
	moveLeft
)

// Align computes the optimal alignment of session against master.
//
// Either sequence being empty, or session holding fewer than MinFrames
// frames, yields [types.ErrInsufficientData]. Vectors of differing length
// yield [types.ErrInvalidInput].
func (a *Aligner) Align(session, master types.FeatureMatrix, opts ...AlignOption) (Result, error) {
	var o alignOptions
	for _, fn := range opts {
		fn(&o)
	}

	n, m := len(session), len(master)
	if n == 0 || m == 0 {
		return Result{}, fmt.Errorf("dtw: align %d session frames against %d master frames: %w", n, m, types.ErrInsufficientData)
	}
	if n < a.cfg.MinFrames {
		return Result{}, fmt.Errorf("dtw: %d session frames, need at least %d: %w", n, a.cfg.MinFrames, types.ErrInsufficientData)
	}
	dim := len(session[0])
	if err := checkDim(session, dim, "session"); err != nil {
		return Result{}, err
	}
	if err := checkDim(master, dim, "master"); err != nil {
		return Result{}, err
	}

	band := a.band(n, m)
	inf := math.Inf(1)

	prevC, curC := make([]float64, m), make([]float64, m)
	prevL, curL := make([]int, m), make([]int, m)
	var moves []uint8
	if o.path {
		moves = make([]uint8, n*m)
	}

	for i := range n {
		lo, hi := 0, m-1
		if band >= 0 {
			lo, hi = max(0, i-band), min(m-1, i+band)
		}
		for j := range m {
			if j < lo || j > hi {
				curC[j] = inf
				curL[j] = 0
				continue
			}
			d := a.cfg.DistanceWeight * Distance(session[i], master[j])
			if i == 0 && j == 0 {
				curC[j], curL[j] = d, 1
				continue
			}

			best, length, mv := inf, 0, moveDiag
			if i > 0 && j > 0 && prevC[j-1] < best {
				best, length, mv = prevC[j-1], prevL[j-1], moveDiag
			}
			if i > 0 && prevC[j] < best {
				best, length, mv = prevC[j], prevL[j], moveUp
			}
			if j > 0 && curC[j-1] < best {
				best, length, mv = curC[j-1], curL[j-1], moveLeft
			}
			if math.IsInf(best, 1) {
				curC[j], curL[j] = inf, 0
				continue
			}
			curC[j], curL[j] = d+best, length+1
			if moves != nil {
				moves[i*m+j] = mv
			}
		}
		prevC, curC = curC, prevC
		prevL, curL = curL, prevL
	}

	cost, length := prevC[m-1], prevL[m-1]
	if math.IsInf(cost, 1) || length == 0 {
		return Result{}, fmt.Errorf("dtw: end cell unreachable: %w", types.ErrProcessingFailed)
	}
	norm := cost / float64(length)
	res := Result{
		Cost:           cost,
		NormalizedCost: norm,
		PathLength:     length,
		Score:          1 / (1 + norm),
	}
	if moves != nil {
		res.Path = backtrack(moves, n, m, length)
	}
	return res, nil
}

// band returns the Sakoe-Chiba half width, or -1 when unconstrained.
func (a *Aligner) band(n, m int) int {
	if a.cfg.WindowRatio == 0 {
		return -1
	}
	w := int(math.Ceil(a.cfg.WindowRatio * float64(max(n, m))))
	diff := n - m
	if diff < 0 {
		diff = -diff
	}
	return max(w, diff)
}

func backtrack(moves []uint8, n, m, length int) []Step {
	path := make([]Step, length)
	i, j := n-1, m-1
	for k := length - 1; k >= 0; k-- {
		path[k] = Step{I: i, J: j}
		if i == 0 && j == 0 {
			break
		}
		switch moves[i*m+j] {
		case moveDiag:
			i, j = i-1, j-1
		case moveUp:
			i--
		case moveLeft:
			j--
		}
	}
	return path
}

func checkDim(mat types.FeatureMatrix, dim int, name string) error {
	for i, v := range mat {
		if len(v) != dim {
			return fmt.Errorf("dtw: %s frame %d has %d coefficients, want %d: %w", name, i, len(v), dim, types.ErrInvalidInput)
		}
	}
	return nil
}

// Distance returns the Euclidean distance between equal-length vectors,
// accumulated in float64.
func Distance(a, b types.FeatureVector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
