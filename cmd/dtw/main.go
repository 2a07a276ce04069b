package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-dtw/internal/client"
	"github.com/23skdu/longbow-dtw/internal/config"
	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/engine"
)

const (
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := run(&cfg); err != nil {
		log.Fatal().Err(err).Msg("dtw failed")
	}
}

func run(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	reg := device.DefaultRegistry()
	backend, err := openBackend(reg, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close backend")
		}
	}()
	eng := engine.New(backend, engine.WithMemoryBudget(cfg.DeviceMemoryBudget()))

	var putter client.Putter
	if cfg.ServerAddr != "" {
		fc, err := client.NewFlightClient(cfg.ServerAddr)
		if err != nil {
			return fmt.Errorf("connect to Longbow: %w", err)
		}
		log.Info().Str("addr", cfg.ServerAddr).Msg("Connected to Flight Server")
		putter = client.NewGuardedPutter(fc, client.NewCircuitBreaker(breakerFailures, breakerCooldown))
		defer func() {
			if err := putter.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	if cfg.ListenAddr != "" || cfg.FlightAddr != "" {
		return serve(NewServer(eng, reg, putter, cfg), cfg)
	}
	return runBatch(context.Background(), eng, putter, cfg)
}

// serve blocks until one of the configured listeners fails.
func serve(srv *Server, cfg *config.Config) error {
	errc := make(chan error, 2)
	if cfg.ListenAddr != "" {
		go func() { errc <- startServer(cfg.ListenAddr, srv) }()
	}
	if cfg.FlightAddr != "" {
		go func() { errc <- StartFlightServer(cfg.FlightAddr, srv) }()
	}
	return <-errc
}

// openBackend honours an explicit -backend. With auto, GPU backends are
// tried in priority order when a kernel program is given, else the CPU.
func openBackend(reg *device.Registry, cfg *config.Config) (device.Backend, error) {
	oc := device.OpenConfig{
		DeviceIndex: cfg.DeviceIndex,
		KernelPath:  cfg.KernelPath,
		Workers:     cfg.Workers,
	}
	for _, info := range reg.Discover() {
		log.Debug().Str("backend", info.Name).Bool("available", info.Available).Msg("Discovered backend")
	}
	if cfg.Backend != "auto" {
		return reg.Open(cfg.Backend, oc)
	}
	if cfg.KernelPath == "" {
		return reg.Open("cpu", oc)
	}
	return reg.Select([]string{"cuda", "opencl", "cpu"}, oc)
}

func runBatch(ctx context.Context, eng *engine.Engine, putter client.Putter, cfg *config.Config) error {
	mem := memory.NewGoAllocator()
	source, target, err := loadSets(cfg, mem)
	if err != nil {
		return err
	}

	if p, err := eng.Plan(target.Len(), target.SeqLen()); err == nil && p != nil {
		log.Info().Object("plan", p).Msg("Batch plan")
	}

	start := time.Now()
	out, err := eng.ComputeDistances(ctx, source, target)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "%d x %d distances (%d cells, length %d) on %s in %v, %.0f cells/s\n",
		source.Len(), target.Len(), source.Len()*target.Len(), source.SeqLen(),
		eng.Backend().Name(), elapsed.Round(time.Millisecond),
		float64(source.Len()*target.Len())/elapsed.Seconds())

	if cfg.Verify {
		dev, err := verify(ctx, out, source, target, cfg.Workers)
		if err != nil {
			return err
		}
		p.Fprintf(os.Stderr, "max deviation from CPU: %g\n", dev)
	}

	builder := client.NewRecordBatchBuilder(mem)
	if putter != nil {
		log.Info().Str("server", cfg.ServerAddr).Str("dataset", cfg.Dataset).Msg("Sending distances to Longbow")
		sendCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := forwardToLongbow(sendCtx, putter, cfg.Dataset, builder, out); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent distances to Longbow")
	}

	if cfg.OutputFile != "" {
		if err := writeOutput(builder, out, cfg.OutputFile); err != nil {
			return fmt.Errorf("write %s: %w", cfg.OutputFile, err)
		}
	}
	return nil
}

// verify recomputes the matrix on the CPU and returns the largest absolute
// difference.
func verify(ctx context.Context, got *mat.Dense, source, target *dtw.Set, workers int) (float64, error) {
	want, err := engine.New(device.NewCPUBackendWorkers(workers)).ComputeDistances(ctx, source, target)
	if err != nil {
		return 0, err
	}
	return floats.Distance(got.RawMatrix().Data, want.RawMatrix().Data, math.Inf(1)), nil
}

func writeOutput(b *client.RecordBatchBuilder, m *mat.Dense, path string) error {
	recs, err := distanceRecords(b, m)
	if err != nil {
		return err
	}
	defer releaseAll(recs)

	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return client.WriteRecords(w, recs...)
}

func loadSets(cfg *config.Config, mem memory.Allocator) (*dtw.Set, *dtw.Set, error) {
	if cfg.SourceFile == "" {
		rng := rand.New(rand.NewSource(cfg.Seed))
		source := randomRows(rng, cfg.M, cfg.L)
		target := randomRows(rng, cfg.N, cfg.L)
		log.Info().Int("m", cfg.M).Int("n", cfg.N).Int("l", cfg.L).Int64("seed", cfg.Seed).Msg("Generated random sequences")
		return newSets(source, target)
	}

	source, err := readRows(cfg.SourceFile, mem)
	if err != nil {
		return nil, nil, err
	}
	target, err := readRows(cfg.TargetFile, mem)
	if err != nil {
		return nil, nil, err
	}
	return newSets(source, target)
}

// readRows returns every sequence in an Arrow IPC file, whatever its role.
func readRows(path string, mem memory.Allocator) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seqs, err := client.ReadSequences(f, mem)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return append(seqs.Source, seqs.Target...), nil
}

func randomRows(rng *rand.Rand, n, l int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, l)
		for j := range rows[i] {
			rows[i][j] = rng.Float32()
		}
	}
	return rows
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-dtw"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
