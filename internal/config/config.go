// Package config holds the command-line configuration of the dtw binary.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-dtw/internal/errdefs"
)

type Config struct {
	Backend     string // cpu, sim, cuda, opencl or auto
	KernelPath  string
	DeviceIndex int
	Workers     int

	// Random workload, used when no input files are given.
	M, N, L int
	Seed    int64

	SourceFile string // Arrow IPC stream with a "values" column
	TargetFile string
	OutputFile string

	Verify bool

	ListenAddr   string
	FlightAddr   string
	ServerAddr   string // Longbow Flight endpoint for results
	Dataset      string
	MaxCells     int64 // admission control, in matrix cells
	TransportFmt string
	CacheEntries int
	MaxDeviceMem string
	EnableOTel   bool
	CPUProfile   string
	LogLevel     string
}

func Default() Config {
	return Config{
		Backend:      "auto",
		M:            3,
		N:            1312,
		L:            1212,
		Seed:         1,
		Dataset:      "dtw_distances",
		MaxCells:     1 << 24,
		TransportFmt: "fp32",
		CacheEntries: 64,
		LogLevel:     "info",
	}
}

// RegisterFlags binds every field to fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "Backend: auto, cpu, sim, cuda, opencl")
	fs.StringVar(&c.KernelPath, "kernel", c.KernelPath, "Path to the kernel program (PTX for cuda, .cl source for opencl)")
	fs.IntVar(&c.DeviceIndex, "device", c.DeviceIndex, "Device index for GPU backends")
	fs.IntVar(&c.Workers, "workers", c.Workers, "CPU workers (0 = NumCPU)")
	fs.IntVar(&c.M, "m", c.M, "Number of random source sequences")
	fs.IntVar(&c.N, "n", c.N, "Number of random target sequences")
	fs.IntVar(&c.L, "l", c.L, "Length of random sequences")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for random sequences")
	fs.StringVar(&c.SourceFile, "source", c.SourceFile, "Arrow IPC file with source sequences")
	fs.StringVar(&c.TargetFile, "target", c.TargetFile, "Arrow IPC file with target sequences")
	fs.StringVar(&c.OutputFile, "out", c.OutputFile, "Write the distance matrix as an Arrow IPC stream to this file (- for stdout)")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Recompute on the CPU and report the largest deviation")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Address to listen on for HTTP Server (e.g. :8080)")
	fs.StringVar(&c.FlightAddr, "flight", c.FlightAddr, "Address to listen on for Flight Server (e.g. :9090)")
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "Longbow server address for results (e.g., localhost:3000)")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "Target dataset name on server")
	fs.Int64Var(&c.MaxCells, "max-cells", c.MaxCells, "Maximum matrix cells computed concurrently by the server")
	fs.StringVar(&c.TransportFmt, "transport-fmt", c.TransportFmt, "Transport format for distances: 'fp32' (default) or 'fp16'")
	fs.IntVar(&c.CacheEntries, "cache", c.CacheEntries, "Result cache entries (0 disables)")
	fs.StringVar(&c.MaxDeviceMem, "max-device-mem", c.MaxDeviceMem, "Per-chunk device memory budget (e.g. 4GB, 512MB)")
	fs.BoolVar(&c.EnableOTel, "otel", c.EnableOTel, "Enable OpenTelemetry tracing (stdout)")
	fs.StringVar(&c.CPUProfile, "cpuprofile", c.CPUProfile, "Write cpu profile to file")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
}

// Validate rejects combinations the binary cannot run.
func (c *Config) Validate() error {
	switch c.Backend {
	case "auto", "cpu", "sim", "cuda", "opencl":
	default:
		return fmt.Errorf("%w: unknown backend %q", errdefs.ErrConfiguration, c.Backend)
	}
	if (c.Backend == "cuda" || c.Backend == "opencl") && c.KernelPath == "" {
		return fmt.Errorf("%w: backend %s needs -kernel", errdefs.ErrConfiguration, c.Backend)
	}
	if (c.SourceFile == "") != (c.TargetFile == "") {
		return fmt.Errorf("%w: -source and -target must be given together", errdefs.ErrConfiguration)
	}
	if c.SourceFile == "" && (c.M <= 0 || c.N <= 0 || c.L <= 0) {
		return fmt.Errorf("%w: -m, -n and -l must be positive", errdefs.ErrConfiguration)
	}
	if c.TransportFmt != "fp32" && c.TransportFmt != "fp16" {
		return fmt.Errorf("%w: transport format %q", errdefs.ErrConfiguration, c.TransportFmt)
	}
	if c.MaxCells <= 0 {
		return fmt.Errorf("%w: -max-cells must be positive", errdefs.ErrConfiguration)
	}
	if _, err := ParseBytes(c.MaxDeviceMem); err != nil {
		return err
	}
	return nil
}

// DeviceMemoryBudget returns MaxDeviceMem in bytes, 0 when unset.
func (c *Config) DeviceMemoryBudget() int64 {
	n, _ := ParseBytes(c.MaxDeviceMem)
	return n
}

// ParseBytes parses sizes such as 4GB, 512MB, 64K or 1024. Units are
// binary. An empty string or "0" is 0.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30}, {"G", 1 << 30},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("%w: invalid byte size %q", errdefs.ErrConfiguration, s)
	}
	return val * mult, nil
}
