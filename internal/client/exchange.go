package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// Distances asks a dtw Flight server for the DTW matrix of source against
// target over DoExchange.
func (c *FlightClient) Distances(ctx context.Context, source, target [][]float32) (*mat.Dense, error) {
	b := NewRecordBatchBuilder(memory.NewGoAllocator())
	srcRec, err := b.BuildSequenceRecord(RoleSource, source)
	if err != nil {
		return nil, err
	}
	if srcRec == nil {
		return nil, fmt.Errorf("flight DoExchange: no source sequences")
	}
	defer srcRec.Release()
	trgRec, err := b.BuildSequenceRecord(RoleTarget, target)
	if err != nil {
		return nil, err
	}
	if trgRec == nil {
		return nil, fmt.Errorf("flight DoExchange: no target sequences")
	}
	defer trgRec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("flight DoExchange: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(srcRec.Schema()))
	for _, rec := range []arrow.RecordBatch{srcRec, trgRec} {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("flight write: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight DoExchange: %w", err)
	}
	defer reader.Release()

	out := mat.NewDense(len(source), len(target), nil)
	for reader.Next() {
		if err := decodeDistances(reader.Record(), out); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("flight read: %w", err)
	}
	return out, nil
}

// decodeDistances copies the rows of a distance record into out at the
// source indices the record carries.
func decodeDistances(rec arrow.RecordBatch, out *mat.Dense) error {
	rows, cols := out.Dims()
	if rec.NumCols() != 2 {
		return fmt.Errorf("distance record has %d columns", rec.NumCols())
	}
	src, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return fmt.Errorf("%q column has type %s", ColSource, rec.Column(0).DataType())
	}
	list, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return fmt.Errorf("%q column has type %s", ColDistances, rec.Column(1).DataType())
	}
	values, ok := list.ListValues().(*array.Float64)
	if !ok {
		return fmt.Errorf("%q must hold float64", ColDistances)
	}
	if width := int(list.DataType().(*arrow.FixedSizeListType).Len()); width != cols {
		return fmt.Errorf("distance rows have %d columns, want %d", width, cols)
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		row := int(src.Value(i))
		if row < 0 || row >= rows {
			return fmt.Errorf("source index %d out of range", row)
		}
		start := (list.Offset() + i) * cols
		out.SetRow(row, values.Float64Values()[start:start+cols])
	}
	return nil
}
