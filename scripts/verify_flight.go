//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/23skdu/longbow-dtw/internal/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to DTW Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flight client")
	}
	defer c.Close()

	source := [][]float32{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
	}
	target := [][]float32{
		{0, 1, 2, 3, 4, 5},
		{0, 0, 1, 2, 3, 4},
		{1, 1, 1, 1, 1, 1},
	}

	var out *mat.Dense
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		start := time.Now()
		m, err := c.Distances(ctx, source, target)
		cancel()
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Msg("Received distances")
			out = m
			break
		}
		log.Warn().Err(err).Msg("Exchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if out == nil {
		log.Fatal().Msg("Failed to get distances after retries")
	}

	if d := out.At(0, 0); d != 0 {
		log.Fatal().Float64("distance", d).Msg("Identical sequences must have distance 0")
	}
	for i := range source {
		for j := range target {
			d := out.At(i, j)
			if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
				log.Fatal().Int("source", i).Int("target", j).Float64("distance", d).Msg("Invalid distance")
			}
			log.Info().Int("source", i).Int("target", j).Float64("distance", d).Msg("Distance valid")
		}
	}

	fmt.Println("VERIFICATION PASSED")
}
