package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// BuildFunc populates one partition during its configuration phase: create
// links, bind endpoints, register clocks. It runs once per rank on that
// rank's goroutine.
type BuildFunc func(s *Simulation) error

// RunParallel drives a multi-partition run inside one process: one
// goroutine per rank over a shared in-process fabric. Each rank builds,
// inits and runs independently; the barrier keeps them in lockstep. The
// returned error joins every rank's failure.
func RunParallel(cfg Config, build BuildFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fabric := NewFabric(cfg.Partitions)

	errs := make([]error, cfg.Partitions)
	var wg sync.WaitGroup
	for rank := 0; rank < cfg.Partitions; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(cfg, rank, fabric, build)
		}(rank)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func runRank(cfg Config, rank int, fabric *Fabric, build BuildFunc) error {
	s, err := NewSimulation(cfg, rank, fabric.Endpoint(rank))
	if err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	if err := build(s); err != nil {
		return fmt.Errorf("rank %d: build: %w", rank, err)
	}
	if err := s.Init(); err != nil {
		return fmt.Errorf("rank %d: init: %w", rank, err)
	}
	logrus.Debugf("rank %d: entering run loop", rank)
	if err := s.Run(); err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	return nil
}
