// Package engine computes pairwise DTW distance matrices on any backend.
// Host backends fill the matrix directly; devices go through a batch plan
// and the chunk executor.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/23skdu/longbow-dtw/internal/planner"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"
)

var tracer = otel.Tracer("longbow-dtw/engine")

// Engine binds one backend. Engines share no state, so several may run in
// one process against different backends. Runs on a device are serialized;
// host runs proceed concurrently.
type Engine struct {
	backend device.Backend
	opts    planner.Options
	devMu   sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithMemoryBudget caps the bytes of target data staged per chunk.
func WithMemoryBudget(bytes int64) Option {
	return func(e *Engine) {
		e.opts.MemoryBudget = bytes
	}
}

// WithLowResource toggles the one-target-per-group fallback on OpenCL-class
// devices. It is on by default.
func WithLowResource(enabled bool) Option {
	return func(e *Engine) {
		e.opts.AllowLowResource = enabled
	}
}

// New creates an engine. The backend must be a device.HostBackend or a
// device.Device.
func New(backend device.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		opts:    planner.Options{AllowLowResource: true},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Backend() device.Backend {
	return e.backend
}

// Plan returns the batch plan the engine would use for n targets of
// length l. Host backends need no plan and return nil.
func (e *Engine) Plan(n, l int) (*planner.Plan, error) {
	dev, ok := e.backend.(device.Device)
	if !ok {
		return nil, nil
	}
	return planner.New(n, l, dev.Capabilities(), e.opts)
}

// ComputeDistances returns the source.Len() x target.Len() matrix of DTW
// distances. On any error no matrix is returned.
func (e *Engine) ComputeDistances(ctx context.Context, source, target *dtw.Set) (*mat.Dense, error) {
	if err := dtw.CheckCompatible(source, target); err != nil {
		return nil, err
	}

	name := e.backend.Name()
	ctx, span := tracer.Start(ctx, "ComputeDistances", trace.WithAttributes(
		attribute.String("backend", name),
		attribute.Int("sources", source.Len()),
		attribute.Int("targets", target.Len()),
		attribute.Int("length", source.SeqLen()),
	))
	defer span.End()

	start := time.Now()
	out, padded, err := e.compute(ctx, source, target)
	elapsed := time.Since(start)
	runDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		runsTotal.WithLabelValues(name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("backend", name).Msg("Distance computation failed")
		return nil, err
	}

	runsTotal.WithLabelValues(name, "ok").Inc()
	pairs := source.Len() * target.Len()
	pairsTotal.WithLabelValues(name).Add(float64(pairs))
	paddedPairsTotal.WithLabelValues(name).Add(float64(source.Len() * (padded - target.Len())))
	log.Debug().
		Str("backend", name).
		Int("pairs", pairs).
		Dur("elapsed", elapsed).
		Msg("Distance matrix computed")
	return out, nil
}

func (e *Engine) compute(ctx context.Context, source, target *dtw.Set) (*mat.Dense, int, error) {
	m, n := source.Len(), target.Len()

	switch b := e.backend.(type) {
	case device.HostBackend:
		asm := newAssembler(m, n, n)
		b.Pairwise(source, target, asm.out)
		return asm.finish(), n, nil

	case device.Device:
		p, err := planner.New(n, source.SeqLen(), b.Capabilities(), e.opts)
		if err != nil {
			return nil, 0, err
		}
		if err := p.Validate(); err != nil {
			return nil, 0, err
		}
		itemsPerGroup.WithLabelValues(b.Name()).Set(float64(p.ItemsPerGroup))
		log.Debug().Str("device", b.Name()).Object("plan", p).Msg("Batch plan")

		e.devMu.Lock()
		defer e.devMu.Unlock()

		asm := newAssembler(m, n, p.Padded)
		x := &executor{dev: b, plan: p}
		if err := x.run(ctx, source, target, asm); err != nil {
			return nil, 0, err
		}
		return asm.finish(), p.Padded, nil

	default:
		return nil, 0, fmt.Errorf("%w: backend %q cannot compute distances", errdefs.ErrConfiguration, e.backend.Name())
	}
}
