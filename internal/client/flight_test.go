package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	rows     int64
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		s.datasets = append(s.datasets, desc.Path[0])
	}
	for reader.Next() {
		s.rows += reader.Record().NumRows()
	}
	return reader.Err()
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	err := server.Init("localhost:0")
	require.NoError(t, err)
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	m := mat.NewDense(3, 2, []float64{0, 1, 2, 3, 4, 5})
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildDistanceRecord(m, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "dtw-test", rb))

	mockServer.mu.Lock()
	defer mockServer.mu.Unlock()
	assert.Equal(t, []string{"dtw-test"}, mockServer.datasets)
	assert.Equal(t, int64(3), mockServer.rows)
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return m.Called(ctx, datasetName, record).Error(0)
}

func (m *mockPutter) Close() error {
	return m.Called().Error(0)
}

func TestGuardedPutter(t *testing.T) {
	pool := memory.NewGoAllocator()
	b := array.NewInt32Builder(pool)
	defer b.Release()
	b.Append(1)
	a := b.NewArray()
	defer a.Release()
	rb := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{{Name: ColSource, Type: arrow.PrimitiveTypes.Int32}}, nil), []arrow.Array{a}, 1)
	defer rb.Release()

	boom := errors.New("connection refused")
	next := &mockPutter{}
	next.On("DoPut", mock.Anything, "ds", mock.Anything).Return(boom).Twice()
	next.On("Close").Return(nil)

	g := NewGuardedPutter(next, NewCircuitBreaker(2, time.Hour))
	ctx := context.Background()

	assert.ErrorIs(t, g.DoPut(ctx, "ds", rb), boom)
	assert.ErrorIs(t, g.DoPut(ctx, "ds", rb), boom)
	assert.Equal(t, StateOpen, g.Breaker().State())
	assert.ErrorIs(t, g.DoPut(ctx, "ds", rb), ErrCircuitOpen)
	next.AssertNumberOfCalls(t, "DoPut", 2)

	assert.NoError(t, g.Close())
	next.AssertExpectations(t)
}
