// Package mock provides an in-memory mock implementation of [engine.Service]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.Engine{
//	    ChunkResult: engine.ChunkResult{Frames: 4, TotalFrames: 4, Active: true},
//	    Score:       0.92,
//	}
//	res, err := e.ProcessAudioChunk(ctx, id, samples)
package mock

import (
	"context"
	"sync"

	"github.com/huntmaster/huntmaster/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Service = (*Engine)(nil)

// LoadCall records the arguments of one [Engine.LoadMasterCall] call.
type LoadCall struct {
	ID       engine.SessionID
	MasterID string
}

// ChunkCall records the arguments of one [Engine.ProcessAudioChunk] call.
type ChunkCall struct {
	ID      engine.SessionID
	Samples []float32
}

// Engine is a mock implementation of [engine.Service].
// All exported result and *Error fields control return values.
// All exported Call* fields accumulate invocation records.
type Engine struct {
	mu sync.Mutex

	// NextID is returned by CreateSession and then incremented. Zero starts
	// at 1.
	NextID engine.SessionID

	// CreateError is returned by [Engine.CreateSession].
	CreateError error

	// DestroyError is returned by [Engine.DestroySession].
	DestroyError error

	// LoadError is returned by [Engine.LoadMasterCall].
	LoadError error

	// ChunkResult is returned by [Engine.ProcessAudioChunk].
	ChunkResult engine.ChunkResult

	// ChunkError is returned by [Engine.ProcessAudioChunk].
	ChunkError error

	// Score is returned by [Engine.GetSimilarityScore].
	Score float64

	// ScoreError is returned by [Engine.GetSimilarityScore].
	ScoreError error

	// ResetError is returned by [Engine.Reset].
	ResetError error

	// CreateCalls records the sample rate of every CreateSession call.
	CreateCalls []int

	// DestroyCalls records every destroyed id.
	DestroyCalls []engine.SessionID

	// LoadCalls records all LoadMasterCall invocations.
	LoadCalls []LoadCall

	// ChunkCalls records all ProcessAudioChunk invocations. Samples are
	// copied.
	ChunkCalls []ChunkCall

	// ScoreCalls counts GetSimilarityScore invocations.
	ScoreCalls int

	// ResetCalls records every reset id.
	ResetCalls []engine.SessionID
}

// CreateSession implements [engine.Service].
func (e *Engine) CreateSession(sampleRate, _ int) (engine.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CreateCalls = append(e.CreateCalls, sampleRate)
	if e.CreateError != nil {
		return 0, e.CreateError
	}
	if e.NextID == 0 {
		e.NextID = 1
	}
	id := e.NextID
	e.NextID++
	return id, nil
}

// DestroySession implements [engine.Service].
func (e *Engine) DestroySession(id engine.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DestroyCalls = append(e.DestroyCalls, id)
	return e.DestroyError
}

// LoadMasterCall implements [engine.Service].
func (e *Engine) LoadMasterCall(_ context.Context, id engine.SessionID, masterID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadCalls = append(e.LoadCalls, LoadCall{ID: id, MasterID: masterID})
	return e.LoadError
}

// ProcessAudioChunk implements [engine.Service].
func (e *Engine) ProcessAudioChunk(_ context.Context, id engine.SessionID, samples []float32) (engine.ChunkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ChunkCalls = append(e.ChunkCalls, ChunkCall{ID: id, Samples: append([]float32(nil), samples...)})
	return e.ChunkResult, e.ChunkError
}

// GetSimilarityScore implements [engine.Service].
func (e *Engine) GetSimilarityScore(context.Context, engine.SessionID) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ScoreCalls++
	if e.ScoreError != nil {
		return 0, e.ScoreError
	}
	return e.Score, nil
}

// Reset implements [engine.Service].
func (e *Engine) Reset(id engine.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResetCalls = append(e.ResetCalls, id)
	return e.ResetError
}

// Calls returns the number of recorded ProcessAudioChunk invocations.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ChunkCalls)
}

// Creates returns a copy of CreateCalls.
func (e *Engine) Creates() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.CreateCalls...)
}

// Loads returns a copy of LoadCalls.
func (e *Engine) Loads() []LoadCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LoadCall(nil), e.LoadCalls...)
}

// Resets returns a copy of ResetCalls.
func (e *Engine) Resets() []engine.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.SessionID(nil), e.ResetCalls...)
}

// Scores returns the number of GetSimilarityScore invocations.
func (e *Engine) Scores() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ScoreCalls
}
