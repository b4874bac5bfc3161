// Package uniring moves messages between two goroutines or two processes
// over a single-producer single-consumer ring living in shared memory.
//
// The ends of a ring live in the connector package, the stages feeding
// and draining a ring in the ingress and egress packages.
package uniring

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stage defines the interface for a generic stage.
type Stage interface {
	// Init initializes the stage.
	Init(ctx context.Context) error
	// Run runs the stage until its input is exhausted or ctx is done.
	Run(ctx context.Context)
	// Close closes (forever) the stage.
	Close()
}

// Pipeline represents a set of stages connected by rings.
// It is the entrypoint for the stages.
type Pipeline struct {
	stages []Stage

	wg        *sync.WaitGroup
	done      chan struct{}
	isRunning atomic.Bool
	closeOnce sync.Once
}

// NewPipeline returns a new pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		stages: []Stage{},

		wg:   &sync.WaitGroup{},
		done: make(chan struct{}),
	}
}

// AddStage adds a stage to the pipeline.
// Stages are initialized in the order they are added.
// It must be called before Run, later stages are ignored.
func (p *Pipeline) AddStage(stage Stage) {
	if p.isRunning.Load() {
		return
	}

	p.stages = append(p.stages, stage)
}

// Init initializes all the stages.
func (p *Pipeline) Init(ctx context.Context) error {
	for _, stage := range p.stages {
		if err := stage.Init(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Run runs all the stages.
// It will spawn a goroutine for each stage.
func (p *Pipeline) Run(ctx context.Context) {
	if !p.isRunning.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(len(p.stages))

	for _, stage := range p.stages {
		go func() {
			stage.Run(ctx)
			p.wg.Done()
		}()
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Done returns a channel closed once every stage has returned from Run.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Close closes all the stages.
// It blocks until every stage has returned from Run, so the context
// given to Run must be done or the inputs exhausted.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.isRunning.Load() {
			<-p.done
		}

		for _, stage := range p.stages {
			stage.Close()
		}
	})
}
