// Package stream exposes engine sessions over WebSocket.
//
// A client connects to GET /v1/stream, optionally naming a master call with
// ?master=<id> and its sample rate with ?rate=<hz>. Every connection owns one
// engine session for its lifetime. Binary messages carry little-endian
// float32 samples; after each one the server answers with a JSON [Reply]. The
// text message "reset" clears the session and keeps the master call.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/huntmaster/huntmaster/internal/engine"
	"github.com/huntmaster/huntmaster/internal/observe"
	"github.com/huntmaster/huntmaster/pkg/types"
)

// Path is the route the handler is registered on.
const Path = "/v1/stream"

// ResetCommand is the text message that resets the session.
const ResetCommand = "reset"

const (
	defaultSampleRate = 44100
	defaultReadLimit  = 1 << 20
)

// Reply is sent after every client message.
type Reply struct {
	// Frames is the session's accumulated feature count.
	Frames int `json:"frames"`

	// Active reports whether the last analysed window was voiced.
	Active bool `json:"active"`

	// Score is the similarity against the master call, or null while no
	// master call is loaded or no frame has been extracted.
	Score *float64 `json:"score"`

	// LevelDB is the session's loudness relative to the master call in
	// decibels, omitted while it cannot be compared.
	LevelDB *float64 `json:"level_db,omitempty"`

	// Error describes a failure handling the message.
	Error string `json:"error,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithSampleRate sets the sample rate used when the client passes none.
func WithSampleRate(hz int) Option {
	return func(h *Handler) { h.sampleRate = hz }
}

// WithReadLimit caps the size of one client message in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithOriginPatterns sets the origins allowed to connect from a browser.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the streaming endpoint. Create one with [New].
type Handler struct {
	svc        engine.Service
	sampleRate int
	readLimit  int64
	origins    []string
	metrics    *observe.Metrics
}

// New returns a Handler driving svc.
func New(svc engine.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:        svc,
		sampleRate: defaultSampleRate,
		readLimit:  defaultReadLimit,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register adds the handler to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rate := h.sampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid rate %q", v), http.StatusBadRequest)
			return
		}
		rate = n
	}
	master := r.URL.Query().Get("master")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("stream: accept failed", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.readLimit)

	ctx := r.Context()
	log := observe.Logger(ctx).With("remote", r.RemoteAddr, "master", master)

	h.metrics.StreamConnections.Add(ctx, 1)
	defer h.metrics.StreamConnections.Add(context.WithoutCancel(ctx), -1)

	id, err := h.svc.CreateSession(rate, 0)
	if err != nil {
		log.Warn("stream: create session", "err", err)
		_ = wsjson.Write(ctx, conn, Reply{Error: err.Error()})
		_ = conn.Close(websocket.StatusInternalError, "create session failed")
		return
	}
	defer func() {
		if err := h.svc.DestroySession(id); err != nil {
			log.Warn("stream: destroy session", "session", id, "err", err)
		}
	}()
	log = log.With("session", id)

	if master != "" {
		if err := h.svc.LoadMasterCall(ctx, id, master); err != nil {
			log.Warn("stream: load master call", "err", err)
			_ = wsjson.Write(ctx, conn, Reply{Error: err.Error()})
			_ = conn.Close(websocket.StatusPolicyViolation, "master call unavailable")
			return
		}
	}
	log.Info("stream: connected", "rate", rate)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("stream: closed by client")
			default:
				log.Debug("stream: read", "err", err)
			}
			return
		}

		reply := h.handle(ctx, id, master != "", typ, data)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Debug("stream: write", "err", err)
			return
		}
	}
}

// handle processes one client message.
func (h *Handler) handle(ctx context.Context, id engine.SessionID, scored bool, typ websocket.MessageType, data []byte) Reply {
	switch typ {
	case websocket.MessageText:
		if string(data) != ResetCommand {
			return Reply{Error: fmt.Sprintf("unknown command %q", data)}
		}
		if err := h.svc.Reset(id); err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{}

	case websocket.MessageBinary:
		samples, err := DecodeSamples(data)
		if err != nil {
			return Reply{Error: err.Error()}
		}
		res, err := h.svc.ProcessAudioChunk(ctx, id, samples)
		reply := Reply{Frames: res.TotalFrames, Active: res.Active}
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		if res.Loudness.Valid {
			db := res.Loudness.DeviationDB
			reply.LevelDB = &db
		}
		if !scored || reply.Frames == 0 {
			return reply
		}
		score, err := h.svc.GetSimilarityScore(ctx, id)
		switch {
		case err == nil:
			reply.Score = &score
		case errors.Is(err, types.ErrInsufficientData):
			// Below the minimum frame count; score stays null.
		default:
			reply.Error = err.Error()
		}
		return reply
	}
	return Reply{Error: fmt.Sprintf("unsupported message type %v", typ)}
}

// DecodeSamples converts little-endian float32 bytes into samples.
func DecodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("stream: payload of %d bytes is not a whole number of float32 samples: %w", len(data), types.ErrInvalidInput)
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// EncodeSamples is the inverse of [DecodeSamples].
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}
