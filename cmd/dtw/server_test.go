package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-dtw/internal/client"
	"github.com/23skdu/longbow-dtw/internal/config"
	"github.com/23skdu/longbow-dtw/internal/device"
	"github.com/23skdu/longbow-dtw/internal/dtw"
	"github.com/23skdu/longbow-dtw/internal/engine"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return m.Called(ctx, datasetName, record).Error(0)
}

func (m *mockPutter) Close() error {
	return nil
}

var (
	testSource = [][]float32{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 1, 1, 1}}
	testTarget = [][]float32{{0, 1, 2, 3}, {0, 0, 0, 0}}
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxCells = 100
	cfg.CacheEntries = 8
	cfg.Dataset = "test-dataset"
	return &cfg
}

func newTestServer(backend device.Backend, putter client.Putter, cfg *config.Config) *Server {
	return NewServer(engine.New(backend), device.DefaultRegistry(), putter, cfg)
}

func expected(t *testing.T) *mat.Dense {
	t.Helper()
	source, target, err := newSets(testSource, testTarget)
	require.NoError(t, err)
	want, err := engine.New(device.NewCPUBackend()).ComputeDistances(context.Background(), source, target)
	require.NoError(t, err)
	return want
}

func postCBOR(t *testing.T, h http.Handler, req DistanceRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := cbor.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/distances", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func TestServer_Distances(t *testing.T) {
	mp := &mockPutter{}
	mp.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

	srv := newTestServer(device.NewCPUBackend(), mp, testConfig())
	h := srv.Handler()
	want := expected(t)

	t.Run("CBOR round trip with forwarding", func(t *testing.T) {
		rr := postCBOR(t, h, DistanceRequest{Source: testSource, Target: testTarget})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, contentTypeCBOR, rr.Header().Get("Content-Type"))

		var resp DistanceResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Rows)
		assert.Equal(t, 2, resp.Cols)
		assert.Equal(t, "CPU", resp.Backend)
		assert.False(t, resp.Cached)
		assert.Empty(t, resp.Data16)
		assert.InDeltaSlice(t, want.RawMatrix().Data, resp.Data, 1e-9)
		assert.Zero(t, resp.Data[0], "identical sequences")

		mp.AssertNumberOfCalls(t, "DoPut", 1)
	})

	t.Run("Second request is served from the cache", func(t *testing.T) {
		rr := postCBOR(t, h, DistanceRequest{Source: testSource, Target: testTarget})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp DistanceResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Cached)
		assert.InDeltaSlice(t, want.RawMatrix().Data, resp.Data, 1e-9)
		mp.AssertNumberOfCalls(t, "DoPut", 1)
	})

	t.Run("Bad requests", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/distances", strings.NewReader("not cbor"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postCBOR(t, h, DistanceRequest{Source: [][]float32{{1, 2}, {1}}, Target: testTarget})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postCBOR(t, h, DistanceRequest{Source: [][]float32{{1, 2}}, Target: testTarget})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "length mismatch between sets")

		rr = postCBOR(t, h, DistanceRequest{Target: testTarget})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		r = httptest.NewRequest(http.MethodGet, "/distances", nil)
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_CellLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCells = 5
	srv := newTestServer(device.NewCPUBackend(), nil, cfg)

	rr := postCBOR(t, srv.Handler(), DistanceRequest{Source: testSource, Target: testTarget})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestServer_ResourceExceeded(t *testing.T) {
	sim := device.NewSimDevice("sim-tiny", device.Capabilities{
		Class:        device.ClassCUDA,
		LocalMemSize: 16,
	})
	defer sim.Close()
	srv := newTestServer(sim, nil, testConfig())

	rr := postCBOR(t, srv.Handler(), DistanceRequest{Source: testSource, Target: testTarget})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestServer_SimulatedDevice(t *testing.T) {
	sim := device.NewSimDevice("sim-server", device.Capabilities{Class: device.ClassOpenCL})
	defer sim.Close()
	srv := newTestServer(sim, nil, testConfig())

	rr := postCBOR(t, srv.Handler(), DistanceRequest{Source: testSource, Target: testTarget})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp DistanceResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "sim-server", resp.Backend)
	assert.InDeltaSlice(t, expected(t).RawMatrix().Data, resp.Data, 1e-4)
	assert.Zero(t, sim.Allocated())
}

func TestServer_FP16Transport(t *testing.T) {
	cfg := testConfig()
	cfg.TransportFmt = "fp16"
	srv := newTestServer(device.NewCPUBackend(), nil, cfg)

	rr := postCBOR(t, srv.Handler(), DistanceRequest{Source: testSource, Target: testTarget})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp DistanceResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
	require.Len(t, resp.Data16, 6)

	for i, v := range expected(t).RawMatrix().Data {
		got := float64(float16.Frombits(resp.Data16[i]).Float32())
		assert.InDelta(t, v, got, 1e-3*v+1e-3, "cell %d", i)
	}
}

func TestServer_Backends(t *testing.T) {
	srv := newTestServer(device.NewCPUBackend(), nil, testConfig())

	r := httptest.NewRequest(http.MethodGet, "/backends", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp BackendsResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "CPU", resp.Active)
	assert.Contains(t, resp.Backends, device.Info{Name: "cpu", Available: true})
	assert.Contains(t, resp.Backends, device.Info{Name: "sim", Available: true})
}

func sequenceStream(t *testing.T) (*bytes.Buffer, []arrow.RecordBatch) {
	t.Helper()
	b := client.NewRecordBatchBuilder(memory.NewGoAllocator())
	src, err := b.BuildSequenceRecord(client.RoleSource, testSource)
	require.NoError(t, err)
	trg, err := b.BuildSequenceRecord(client.RoleTarget, testTarget)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, client.WriteRecords(&buf, src, trg))
	return &buf, []arrow.RecordBatch{src, trg}
}

func TestServer_DistancesArrow(t *testing.T) {
	srv := newTestServer(device.NewCPUBackend(), nil, testConfig())
	body, recs := sequenceStream(t)
	defer releaseAll(recs)

	r := httptest.NewRequest(http.MethodPost, "/distances/arrow", body)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, contentTypeArrow, rr.Header().Get("Content-Type"))

	reader, err := ipc.NewReader(rr.Body)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	require.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, []int32{0, 1, 2}, rec.Column(0).(*array.Int32).Int32Values())

	dists := rec.Column(1).(*array.FixedSizeList).ListValues().(*array.Float64).Float64Values()
	assert.InDeltaSlice(t, expected(t).RawMatrix().Data, dists, 1e-9)
	assert.False(t, reader.Next())
	require.NoError(t, reader.Err())
}

func TestServer_DistancesArrow_BadStream(t *testing.T) {
	srv := newTestServer(device.NewCPUBackend(), nil, testConfig())

	r := httptest.NewRequest(http.MethodPost, "/distances/arrow", strings.NewReader("garbage"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDistanceRecords_SplitsLargeMatrices(t *testing.T) {
	rows := recordRows + 5
	m := mat.NewDense(rows, 2, nil)
	for i := 0; i < rows; i++ {
		m.Set(i, 0, float64(i))
	}

	recs, err := distanceRecords(client.NewRecordBatchBuilder(memory.NewGoAllocator()), m)
	require.NoError(t, err)
	defer releaseAll(recs)

	require.Len(t, recs, 2)
	assert.Equal(t, int64(recordRows), recs[0].NumRows())
	assert.Equal(t, int64(5), recs[1].NumRows())
	assert.Equal(t, int32(recordRows), recs[1].Column(0).(*array.Int32).Value(0))
}

func startFlight(t *testing.T, srv *Server) (flight.Client, string) {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewDTWFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	c, err := flight.NewClientWithMiddleware(server.Addr().String(), nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, server.Addr().String()
}

func TestFlightServer_DoExchange(t *testing.T) {
	_, addr := startFlight(t, newTestServer(device.NewCPUBackend(), nil, testConfig()))

	fc, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := fc.Distances(ctx, testSource, testTarget)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(expected(t), got, 1e-9))

	many := make([][]float32, 101)
	for k := range many {
		many[k] = []float32{1, 2, 3, 4}
	}
	_, err = fc.Distances(ctx, testSource[:1], many)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "101 cells exceed the limit")
}

func TestFlightServer_DoPut(t *testing.T) {
	c, _ := startFlight(t, newTestServer(device.NewCPUBackend(), nil, testConfig()))
	_, recs := sequenceStream(t)
	defer releaseAll(recs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := c.DoPut(ctx)
	require.NoError(t, err)

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"sequences"},
	})
	for _, rec := range recs {
		require.NoError(t, writer.Write(rec))
	}
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())

	res, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "6", string(res.AppMetadata))
}

func TestOpenBackend(t *testing.T) {
	reg := device.DefaultRegistry()

	cfg := testConfig()
	b, err := openBackend(reg, cfg)
	require.NoError(t, err)
	assert.Equal(t, "CPU", b.Name())

	cfg.Backend = "sim"
	b, err = openBackend(reg, cfg)
	require.NoError(t, err)
	_, ok := b.(device.Device)
	assert.True(t, ok)
	require.NoError(t, b.Close())
}

func TestLoadSets_Random(t *testing.T) {
	cfg := testConfig()
	cfg.M, cfg.N, cfg.L = 2, 5, 7

	source, target, err := loadSets(cfg, memory.NewGoAllocator())
	require.NoError(t, err)
	assert.Equal(t, 2, source.Len())
	assert.Equal(t, 5, target.Len())
	assert.Equal(t, 7, target.SeqLen())
	require.NoError(t, dtw.CheckCompatible(source, target))

	again, _, err := loadSets(cfg, memory.NewGoAllocator())
	require.NoError(t, err)
	assert.Equal(t, source.Row(1), again.Row(1), "same seed, same sequences")
}
