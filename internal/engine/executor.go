package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
	"github.com/23skdu/longbow-dtw/internal/planner"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// executor runs a plan on one device: chunks in order, and within a chunk
// sources in order. Every launch is synchronized before its output is read.
type executor struct {
	dev  device.Device
	plan *planner.Plan
}

func deviceErr(op string, err error) error {
	if errors.Is(err, errdefs.ErrDeviceExecution) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", errdefs.ErrDeviceExecution, op, err)
}

func (x *executor) run(ctx context.Context, source, target *dtw.Set, asm *assembler) error {
	chunks := x.plan.Chunks()
	staging := make([]float32, x.plan.MaxChunk()*x.plan.L)
	row := make([]float32, x.plan.MaxChunk())

	for idx, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.runChunk(ctx, idx, c, source, target, asm, staging, row); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) runChunk(ctx context.Context, idx int, c planner.Chunk, source, target *dtw.Set,
	asm *assembler, staging, row []float32) (err error) {
	name := x.dev.Name()
	_, span := tracer.Start(ctx, "executeChunk", trace.WithAttributes(
		attribute.Int("chunk", idx),
		attribute.Int("start", c.Start),
		attribute.Int("end", c.End),
		attribute.Int("grid_x", c.Grid.X),
		attribute.Int("grid_y", c.Grid.Y),
	))
	defer span.End()
	start := time.Now()

	l := x.plan.L
	size := c.Size()

	var bufs []device.Buffer
	defer func() {
		for _, b := range bufs {
			if ferr := b.Free(); ferr != nil && err == nil {
				err = deviceErr("free", ferr)
			}
		}
		if err != nil {
			span.RecordError(err)
		}
	}()
	alloc := func(n int) (device.Buffer, error) {
		b, aerr := x.dev.Alloc(n)
		if aerr != nil {
			return nil, deviceErr(fmt.Sprintf("chunk %d: alloc %d values", idx, n), aerr)
		}
		bufs = append(bufs, b)
		return b, nil
	}

	trgBuf, err := alloc(size * l)
	if err != nil {
		return err
	}
	srcBuf, err := alloc(l)
	if err != nil {
		return err
	}
	outBuf, err := alloc(size)
	if err != nil {
		return err
	}

	stage := staging[:size*l]
	target.Stage(stage, c.Start, c.End)
	if err := trgBuf.Upload(stage); err != nil {
		return deviceErr(fmt.Sprintf("chunk %d: upload targets", idx), err)
	}
	bytesStaged.WithLabelValues(name).Add(float64(len(stage) * device.ElemSize))

	launch := device.Launch{
		Kernel:     x.plan.Kernel,
		Grid:       c.Grid,
		Block:      x.plan.Block,
		LocalBytes: x.plan.LocalBytes,
		Args: device.KernelArgs{
			SrcLen:        l,
			TrgLen:        l,
			ItemsPerGroup: x.plan.ItemsPerGroup,
			Src:           srcBuf,
			Trg:           trgBuf,
			Out:           outBuf,
		},
	}

	out := row[:size]
	for i := 0; i < source.Len(); i++ {
		if err := srcBuf.Upload(source.Row(i)); err != nil {
			return deviceErr(fmt.Sprintf("chunk %d source %d: upload", idx, i), err)
		}
		if err := x.dev.Launch(launch); err != nil {
			return deviceErr(fmt.Sprintf("chunk %d source %d: launch", idx, i), err)
		}
		if err := x.dev.Synchronize(); err != nil {
			return deviceErr(fmt.Sprintf("chunk %d source %d: synchronize", idx, i), err)
		}
		if err := outBuf.Download(out); err != nil {
			return deviceErr(fmt.Sprintf("chunk %d source %d: download", idx, i), err)
		}
		asm.writeRow(i, c.Start, out)
	}
	bytesStaged.WithLabelValues(name).Add(float64(source.Len() * l * device.ElemSize))

	chunksTotal.WithLabelValues(name).Inc()
	chunkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("device", name).
		Int("chunk", idx).
		Int("start", c.Start).
		Int("end", c.End).
		Dur("elapsed", time.Since(start)).
		Msg("Chunk complete")
	return nil
}
