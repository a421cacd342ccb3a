// Package parallel spreads independent, index-addressed work over a bounded
// number of goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config bounds the fan-out of For and ForErr.
type Config struct {
	Enabled  bool
	Workers  int
	MinChunk int // below this many items per worker the loop runs inline
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{Enabled: n > 1, Workers: n, MinChunk: 1}
}

// Rows is tuned for per-row parsing, where each item is cheap.
func Rows() Config {
	cfg := DefaultConfig()
	cfg.MinChunk = 256
	return cfg
}

// For calls f(i) for every i in [0, n). Calls for different i may run
// concurrently and must not share mutable state.
func For(n int, f func(i int), cfg Config) {
	_ = ForErr(n, func(i int) error {
		f(i)
		return nil
	}, cfg)
}

// ForErr is For with fallible work. It returns the error of the lowest
// failing index regardless of scheduling.
func ForErr(n int, f func(i int) error, cfg Config) error {
	workers := max(cfg.Workers, 1)
	chunk := max((n+workers-1)/workers, cfg.MinChunk, 1)
	if !cfg.Enabled || n <= chunk {
		for i := 0; i < n; i++ {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, (n+chunk-1)/chunk)
	var wg sync.WaitGroup
	for c := range errs {
		start := c * chunk
		end := min(start+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := start; i < end; i++ {
				if err := f(i); err != nil {
					errs[c] = err
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
