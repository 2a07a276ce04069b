package main

import (
	"errors"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-dtw/internal/client"
	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

// DTWFlightServer answers sequence records with distance records over
// Arrow Flight.
type DTWFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewDTWFlightServer(srv *Server) *DTWFlightServer {
	return &DTWFlightServer{srv: srv}
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, errdefs.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errTooLarge), errors.Is(err, errdefs.ErrResourceExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, errBusy):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (f *DTWFlightServer) readSequences(stream flight.DataStreamReader) (*client.Sequences, string, error) {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(f.srv.alloc))
	if err != nil {
		return nil, "", err
	}
	defer reader.Release()

	seqs := &client.Sequences{}
	for reader.Next() {
		if err := client.DecodeSequences(reader.Record(), seqs); err != nil {
			return nil, "", err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, "", err
	}

	var dataset string
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		dataset = desc.Path[0]
	}
	return seqs, dataset, nil
}

// DoExchange reads every sequence record the client sends, then streams
// back the distance matrix once the client closes its side.
func (f *DTWFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	seqs, _, err := f.readSequences(stream)
	if err != nil {
		return grpcError(err)
	}
	source, target, err := newSets(seqs.Source, seqs.Target)
	if err != nil {
		return grpcError(err)
	}

	out, _, err := f.srv.compute(stream.Context(), source, target)
	if err != nil {
		return grpcError(err)
	}
	recs, err := distanceRecords(f.srv.builder, out)
	if err != nil {
		return grpcError(err)
	}
	defer releaseAll(recs)

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// DoPut computes the matrix for the uploaded sequences and acknowledges
// with the number of cells computed. With a Longbow client configured the
// matrix is forwarded like any other result.
func (f *DTWFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	seqs, dataset, err := f.readSequences(stream)
	if err != nil {
		return grpcError(err)
	}
	source, target, err := newSets(seqs.Source, seqs.Target)
	if err != nil {
		return grpcError(err)
	}

	out, _, err := f.srv.compute(stream.Context(), source, target)
	if err != nil {
		return grpcError(err)
	}
	rows, cols := out.Dims()
	log.Info().
		Str("dataset", dataset).
		Int("sources", rows).
		Int("targets", cols).
		Msg("DoPut computed distances")
	cellsServed.Add(float64(rows * cols))

	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(rows * cols))})
}

func StartFlightServer(addr string, srv *Server) error {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewDTWFlightServer(srv))

	if err := server.Init(addr); err != nil {
		return err
	}

	log.Info().Str("addr", addr).Msg("Starting DTW Flight Server")
	return server.Serve()
}
