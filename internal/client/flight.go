package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Putter sends one record to a named dataset.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// FlightClient handles communication with a Longbow server via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut streams record to datasetName. The descriptor travels with the
// first message.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// drain acknowledgements
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	return nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// GuardedPutter forwards through a circuit breaker so a dead Longbow
// endpoint costs one fast error per call instead of a timeout.
type GuardedPutter struct {
	next    Putter
	breaker *CircuitBreaker
}

func NewGuardedPutter(next Putter, breaker *CircuitBreaker) *GuardedPutter {
	return &GuardedPutter{next: next, breaker: breaker}
}

func (g *GuardedPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	err := g.breaker.Execute(func() error {
		return g.next.DoPut(ctx, datasetName, record)
	})
	switch {
	case err == nil:
		recordsForwarded.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrCircuitOpen):
		recordsForwarded.WithLabelValues("rejected").Inc()
	default:
		recordsForwarded.WithLabelValues("error").Inc()
	}
	return err
}

func (g *GuardedPutter) Close() error {
	return g.next.Close()
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedPutter) Breaker() *CircuitBreaker {
	return g.breaker
}
