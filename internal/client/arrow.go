package client

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

// Column names shared by the sequence and distance schemas.
const (
	ColRole      = "role"
	ColValues    = "values"
	ColSource    = "source"
	ColDistances = "distances"

	RoleSource = "source"
	RoleTarget = "target"
)

// DistanceSchema is the schema of one distance matrix record: one row per
// source index, every target distance in a fixed-size list.
func DistanceSchema(targets int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColSource, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColDistances, Type: arrow.FixedSizeListOf(int32(targets), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)
}

// RecordBatchBuilder converts between Arrow records and the float slices
// the engine works with.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildDistanceRecord encodes m. Row i is labelled firstSource+i so a large
// matrix can be sent as several records.
func (b *RecordBatchBuilder) BuildDistanceRecord(m *mat.Dense, firstSource int) (arrow.RecordBatch, error) {
	if m == nil {
		return nil, nil
	}
	rows, cols := m.Dims()

	srcBuilder := array.NewInt32Builder(b.mem)
	defer srcBuilder.Release()
	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(cols), arrow.PrimitiveTypes.Float64)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float64Builder)
	valueBuilder.Reserve(rows * cols)

	for i := 0; i < rows; i++ {
		srcBuilder.Append(int32(firstSource + i))
		listBuilder.Append(true)
		valueBuilder.AppendValues(m.RawRowView(i), nil)
	}

	srcArr := srcBuilder.NewArray()
	defer srcArr.Release()
	listArr := listBuilder.NewArray()
	defer listArr.Release()

	return array.NewRecordBatch(DistanceSchema(cols), []arrow.Array{srcArr, listArr}, int64(rows)), nil
}

// BuildSequenceRecord encodes rows under role. All rows share one length.
func (b *RecordBatchBuilder) BuildSequenceRecord(role string, rows [][]float32) (arrow.RecordBatch, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	l := len(rows[0])
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColRole, Type: arrow.BinaryTypes.String},
			{Name: ColValues, Type: arrow.FixedSizeListOf(int32(l), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)

	roleBuilder := array.NewStringBuilder(b.mem)
	defer roleBuilder.Release()
	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(l), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)

	for i, row := range rows {
		if len(row) != l {
			return nil, fmt.Errorf("%w: row %d has length %d, want %d", errdefs.ErrConfiguration, i, len(row), l)
		}
		roleBuilder.Append(role)
		listBuilder.Append(true)
		valueBuilder.AppendValues(row, nil)
	}

	roleArr := roleBuilder.NewArray()
	defer roleArr.Release()
	listArr := listBuilder.NewArray()
	defer listArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{roleArr, listArr}, int64(len(rows))), nil
}

// Sequences is the decoded content of one or more sequence records.
type Sequences struct {
	Source [][]float32
	Target [][]float32
}

// DecodeSequences appends the rows of rec to seqs. Rows without a role
// column, or with an empty role, count as targets.
func DecodeSequences(rec arrow.RecordBatch, seqs *Sequences) error {
	idx := rec.Schema().FieldIndices(ColValues)
	if len(idx) == 0 {
		return fmt.Errorf("%w: record has no %q column", errdefs.ErrConfiguration, ColValues)
	}

	var roles *array.String
	if ri := rec.Schema().FieldIndices(ColRole); len(ri) > 0 {
		r, ok := rec.Column(ri[0]).(*array.String)
		if !ok {
			return fmt.Errorf("%w: %q column must be utf8", errdefs.ErrConfiguration, ColRole)
		}
		roles = r
	}

	rowValues, err := listRows(rec.Column(idx[0]))
	if err != nil {
		return err
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		row, err := rowValues(i)
		if err != nil {
			return err
		}
		role := RoleTarget
		if roles != nil && roles.IsValid(i) && roles.Value(i) != "" {
			role = roles.Value(i)
		}
		switch role {
		case RoleSource:
			seqs.Source = append(seqs.Source, row)
		case RoleTarget:
			seqs.Target = append(seqs.Target, row)
		default:
			return fmt.Errorf("%w: row %d has unknown role %q", errdefs.ErrConfiguration, i, role)
		}
	}
	return nil
}

// listRows returns an accessor copying row i of a FixedSizeList or List of
// float32 out of the Arrow buffers.
func listRows(col arrow.Array) (func(i int) ([]float32, error), error) {
	copyRange := func(values *array.Float32, start, end int) []float32 {
		out := make([]float32, end-start)
		copy(out, values.Float32Values()[start:end])
		return out
	}

	switch arr := col.(type) {
	case *array.FixedSizeList:
		values, ok := arr.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%w: %q must hold float32", errdefs.ErrConfiguration, ColValues)
		}
		width := int(arr.DataType().(*arrow.FixedSizeListType).Len())
		return func(i int) ([]float32, error) {
			if arr.IsNull(i) {
				return nil, fmt.Errorf("%w: row %d is null", errdefs.ErrConfiguration, i)
			}
			start := (arr.Offset() + i) * width
			return copyRange(values, start, start+width), nil
		}, nil
	case *array.List:
		values, ok := arr.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%w: %q must hold float32", errdefs.ErrConfiguration, ColValues)
		}
		return func(i int) ([]float32, error) {
			if arr.IsNull(i) {
				return nil, fmt.Errorf("%w: row %d is null", errdefs.ErrConfiguration, i)
			}
			start, end := arr.ValueOffsets(i)
			return copyRange(values, int(start), int(end)), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q column has type %s", errdefs.ErrConfiguration, ColValues, col.DataType())
	}
}

// ReadSequences decodes every record of an Arrow IPC stream.
func ReadSequences(r io.Reader, mem memory.Allocator) (*Sequences, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: open IPC stream: %v", errdefs.ErrConfiguration, err)
	}
	defer reader.Release()

	seqs := &Sequences{}
	for reader.Next() {
		if err := DecodeSequences(reader.Record(), seqs); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("%w: read IPC stream: %v", errdefs.ErrConfiguration, err)
	}
	return seqs, nil
}

// WriteRecords writes recs to w as one IPC stream.
func WriteRecords(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
