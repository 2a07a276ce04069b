package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-dtw/internal/cache"
	"github.com/23skdu/longbow-dtw/internal/client"
	"github.com/23skdu/longbow-dtw/internal/config"
	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/engine"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtw_http_requests_total",
		Help: "Requests served, by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtw_request_duration_seconds",
		Help:    "Time spent serving distance requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	cellsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtw_cells_served_total",
		Help: "Matrix cells returned to clients, cached or computed",
	})
)

const (
	contentTypeCBOR  = "application/cbor"
	contentTypeArrow = "application/vnd.apache.arrow.stream"

	// rows per distance record sent over Arrow or Flight
	recordRows = 1024
)

var (
	errTooLarge = errors.New("request exceeds cell limit")
	errBusy     = errors.New("server busy")
)

// DistanceRequest is the CBOR body of POST /distances.
type DistanceRequest struct {
	Source [][]float32 `cbor:"source"`
	Target [][]float32 `cbor:"target"`
}

// DistanceResponse carries the matrix row-major in Data, or as IEEE 754
// half-precision bits in Data16 when the server runs with fp16 transport.
type DistanceResponse struct {
	Rows    int       `cbor:"rows"`
	Cols    int       `cbor:"cols"`
	Data    []float64 `cbor:"data,omitempty"`
	Data16  []uint16  `cbor:"data_fp16,omitempty"`
	Backend string    `cbor:"backend"`
	Cached  bool      `cbor:"cached"`
}

// BackendsResponse is the body of GET /backends.
type BackendsResponse struct {
	Active       string        `cbor:"active"`
	Backends     []device.Info `cbor:"backends"`
	HostFeatures []string      `cbor:"host_features,omitempty"`
}

type Server struct {
	engine   *engine.Engine
	registry *device.Registry
	cache    *cache.MatrixCache
	putter   client.Putter
	dataset  string
	fp16     bool
	maxCells int64
	alloc    memory.Allocator
	builder  *client.RecordBatchBuilder
	sem      *semaphore.Weighted
}

func NewServer(eng *engine.Engine, reg *device.Registry, putter client.Putter, cfg *config.Config) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		engine:   eng,
		registry: reg,
		cache:    cache.NewMatrixCache(cfg.CacheEntries),
		putter:   putter,
		dataset:  cfg.Dataset,
		fp16:     cfg.TransportFmt == "fp16",
		maxCells: cfg.MaxCells,
		alloc:    alloc,
		builder:  client.NewRecordBatchBuilder(alloc),
		sem:      semaphore.NewWeighted(cfg.MaxCells),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/distances", s.handleDistances)
	mux.HandleFunc("/distances/arrow", s.handleDistancesArrow)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) error {
	log.Info().
		Str("addr", addr).
		Str("backend", srv.engine.Backend().Name()).
		Int64("max_cells", srv.maxCells).
		Msg("Starting DTW Server")
	if srv.putter != nil {
		log.Info().Str("dataset", srv.dataset).Msg("Forwarding results to Longbow")
	}
	return http.ListenAndServe(addr, srv.Handler())
}

var tracer = otel.Tracer("longbow-dtw/server")

// compute runs one request through admission control, the cache and the
// engine. The returned matrix belongs to the caller.
func (s *Server) compute(ctx context.Context, source, target *dtw.Set) (*mat.Dense, bool, error) {
	ctx, span := tracer.Start(ctx, "compute")
	defer span.End()

	cells := int64(source.Len()) * int64(target.Len())
	span.SetAttributes(attribute.Int64("cells", cells))
	if cells > s.maxCells {
		return nil, false, fmt.Errorf("%w: %d cells, limit %d", errTooLarge, cells, s.maxCells)
	}

	key := cache.KeyOf(s.engine.Backend().Name(), source, target)
	if out, ok := s.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cached", true))
		return out, true, nil
	}

	if err := s.sem.Acquire(ctx, cells); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errBusy, err)
	}
	out, err := s.engine.ComputeDistances(ctx, source, target)
	s.sem.Release(cells)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	s.cache.Put(key, out)

	if s.putter != nil {
		if err := forwardToLongbow(ctx, s.putter, s.dataset, s.builder, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding distances to Longbow")
		}
	}
	return out, false, nil
}

// distanceRecords splits m into records of at most recordRows rows. The
// caller releases them.
func distanceRecords(b *client.RecordBatchBuilder, m *mat.Dense) ([]arrow.RecordBatch, error) {
	rows, cols := m.Dims()
	var recs []arrow.RecordBatch
	for i := 0; i < rows; i += recordRows {
		end := min(i+recordRows, rows)
		rec, err := b.BuildDistanceRecord(m.Slice(i, end, 0, cols).(*mat.Dense), i)
		if err != nil {
			releaseAll(recs)
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func releaseAll(recs []arrow.RecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}

func forwardToLongbow(ctx context.Context, p client.Putter, dataset string, b *client.RecordBatchBuilder, m *mat.Dense) error {
	recs, err := distanceRecords(b, m)
	if err != nil {
		return err
	}
	defer releaseAll(recs)
	for _, rec := range recs {
		if err := p.DoPut(ctx, dataset, rec); err != nil {
			return err
		}
	}
	return nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errdefs.ErrResourceExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("endpoint", endpoint).Msg("Request failed")
	}
	requestsTotal.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
	http.Error(w, err.Error(), code)
}

func newSets(source, target [][]float32) (*dtw.Set, *dtw.Set, error) {
	src, err := dtw.NewSet(source)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	trg, err := dtw.NewSet(target)
	if err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	return src, trg, nil
}

func (s *Server) handleDistances(w http.ResponseWriter, r *http.Request) {
	const endpoint = "distances"
	ctx, span := tracer.Start(r.Context(), "handleDistances")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DistanceRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.fail(w, endpoint, fmt.Errorf("%w: CBOR decode: %v", errdefs.ErrConfiguration, err))
		return
	}
	source, target, err := newSets(req.Source, req.Target)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	span.SetAttributes(
		attribute.Int("sources", source.Len()),
		attribute.Int("targets", target.Len()),
	)

	out, cached, err := s.compute(ctx, source, target)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}

	rows, cols := out.Dims()
	resp := DistanceResponse{
		Rows:    rows,
		Cols:    cols,
		Backend: s.engine.Backend().Name(),
		Cached:  cached,
	}
	data := out.RawMatrix().Data
	if s.fp16 {
		resp.Data16 = make([]uint16, len(data))
		for i, v := range data {
			resp.Data16[i] = float16.Fromfloat32(float32(v)).Bits()
		}
	} else {
		resp.Data = data
	}

	w.Header().Set("Content-Type", contentTypeCBOR)
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
		return
	}
	cellsServed.Add(float64(rows * cols))
	requestsTotal.WithLabelValues(endpoint, "200").Inc()
}

func (s *Server) handleDistancesArrow(w http.ResponseWriter, r *http.Request) {
	const endpoint = "distances_arrow"
	ctx, span := tracer.Start(r.Context(), "handleDistancesArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seqs, err := client.ReadSequences(r.Body, s.alloc)
	if err != nil {
		span.RecordError(err)
		s.fail(w, endpoint, err)
		return
	}
	source, target, err := newSets(seqs.Source, seqs.Target)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}

	out, _, err := s.compute(ctx, source, target)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	recs, err := distanceRecords(s.builder, out)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	defer releaseAll(recs)

	w.Header().Set("Content-Type", contentTypeArrow)
	if err := client.WriteRecords(w, recs...); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
		return
	}
	rows, cols := out.Dims()
	cellsServed.Add(float64(rows * cols))
	requestsTotal.WithLabelValues(endpoint, "200").Inc()
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	resp := BackendsResponse{
		Active:       s.engine.Backend().Name(),
		Backends:     s.registry.Discover(),
		HostFeatures: device.HostFeatures(),
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to write backends")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
