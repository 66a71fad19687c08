package alerts

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler reads /proc to compute this process's memory and CPU
// utilization fractions, the same source prometheus's own process collector
// samples from.
type ProcSampler struct {
	fs     procfs.FS
	numCPU int

	mu       sync.Mutex
	lastCPU  float64
	lastTime time.Time
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcSampler{fs: fs, numCPU: runtime.NumCPU()}, nil
}

// MemoryFraction returns this process's RSS as a fraction of total system
// memory.
func (s *ProcSampler) MemoryFraction() (float64, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return 0, fmt.Errorf("alerts: meminfo missing MemTotal")
	}
	rssBytes := float64(stat.RSS) * float64(os.Getpagesize())
	totalBytes := float64(*mem.MemTotal) * 1024
	return rssBytes / totalBytes, nil
}

// CPUFraction returns this process's CPU utilization as a fraction of total
// available capacity (numCPU cores), measured since the previous call. The
// first call always returns 0 since it has no prior sample to diff against.
func (s *ProcSampler) CPUFraction() (float64, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	cpu := stat.CPUTime()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastTime.IsZero() {
		s.lastCPU, s.lastTime = cpu, now
		return 0, nil
	}
	dt := now.Sub(s.lastTime).Seconds()
	dc := cpu - s.lastCPU
	s.lastCPU, s.lastTime = cpu, now
	if dt <= 0 {
		return 0, nil
	}
	return dc / dt / float64(s.numCPU), nil
}
