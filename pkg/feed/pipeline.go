// Package feed produces fixed-size normalized image/label batches from a
// BBTXT annotation file, overlapping decode and augmentation work with the
// training loop that consumes the batches.
package feed

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cyclopcam/bbfeed/pkg/augment"
	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
	"github.com/cyclopcam/bbfeed/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// ErrStopped is returned by NextBatch after a clean Stop.
var ErrStopped = errors.New("feed: pipeline stopped")

// Pipeline runs a pool of producer threads, each repeatedly filling a batch
// and pushing it onto a bounded queue. A single consumer pulls batches with
// NextBatch and hands them back with Release. Producers block when the queue
// is full, which bounds memory to the configured queue depth.
//
// With more than one producer, batches arrive in completion order, not in
// dataset cursor order. Configure Producers=1 if strict dataset order
// matters more than decode throughput.
type Pipeline struct {
	Log logs.Log

	cfg *Config
	asm *assembler

	free    chan *Batch   // Recycled batch buffers
	filled  chan *Batch   // Completed batches waiting for the consumer
	stop    chan struct{} // Closed to tell producers to quit
	stopped sync.Once
	wg      sync.WaitGroup

	errLock  sync.Mutex
	firstErr error
}

// NewPipeline parses the annotation file and prepares the batch pool.
// All the setup failures from the spec of the annotation format (unreadable
// file, malformed line, missing image, empty dataset) surface here.
// decoder may be nil, in which case images are decoded from disk.
func NewPipeline(logger logs.Log, cfg *Config, decoder Decoder) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dataset, err := bbtxt.ParseFile(logger, cfg.Source, cfg.MaxBoxesPerImage)
	if err != nil {
		return nil, err
	}
	logger.Infof("feed: %v images in dataset %v", len(dataset.Records), cfg.Source)
	if decoder == nil {
		decoder = FileDecoder{}
	}
	p := &Pipeline{
		Log: logger,
		cfg: cfg,
		asm: &assembler{
			cur:     newCursor(dataset, cfg.Shuffle, cfg.Seed),
			decoder: decoder,
			engine: augment.NewEngine(augment.Params{
				Width:         cfg.Width,
				Height:        cfg.Height,
				ReferenceSize: cfg.ReferenceSize,
				Mirror:        cfg.Mirror,
			}),
		},
		free:   make(chan *Batch, cfg.QueueDepth+cfg.Producers),
		filled: make(chan *Batch, cfg.QueueDepth),
		stop:   make(chan struct{}),
	}
	// A fixed pool of buffers cycles between producers and the consumer for
	// the life of the pipeline.
	for i := 0; i < cap(p.free); i++ {
		p.free <- NewBatch(cfg)
	}
	return p, nil
}

// ImageShape returns the shape of Batch.Images: [batch, channel, y, x].
func (p *Pipeline) ImageShape() [4]int {
	return [4]int{p.cfg.BatchSize, 3, p.cfg.Height, p.cfg.Width}
}

// LabelShape returns the shape of Batch.Labels.
func (p *Pipeline) LabelShape() [3]int {
	return [3]int{p.cfg.BatchSize, p.cfg.MaxBoxesPerImage, bbtxt.LabelRowSize}
}

// Start launches the producer threads.
func (p *Pipeline) Start() {
	p.wg.Add(p.cfg.Producers)
	for i := 0; i < p.cfg.Producers; i++ {
		go p.producer(i)
	}
	// Close the output queue once every producer is done, so that a consumer
	// blocked in NextBatch wakes up instead of waiting forever.
	go func() {
		p.wg.Wait()
		close(p.filled)
	}()
}

// NextBatch blocks until a batch is ready. When the pipeline stops, it
// returns the first producer error, or ErrStopped after a clean Stop.
// Batches already completed before the stop are still delivered.
func (p *Pipeline) NextBatch() (*Batch, error) {
	b, ok := <-p.filled
	if !ok {
		return nil, p.err()
	}
	return b, nil
}

// Release returns a batch to the pool once the consumer is done with it.
func (p *Pipeline) Release(b *Batch) {
	p.free <- b
}

// Stop tells the producers to quit after their current batch, and waits for
// them. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopped.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// producer is the body of one batch-filling thread. Each thread owns its
// random generator, seeded from the master seed and the thread index, so
// augmentation draws are reproducible and race-free.
func (p *Pipeline) producer(threadIdx int) {
	defer p.wg.Done()
	rng := rand.New(rand.NewSource(p.cfg.Seed + int64(threadIdx) + 1))
	for {
		var batch *Batch
		select {
		case <-p.stop:
			return
		case batch = <-p.free:
		}
		start := time.Now()
		if err := p.asm.fillBatch(rng, batch); err != nil {
			// Any decode or augmentation failure stops the whole pipeline.
			// Silent corruption is worse than a hard stop in a training run.
			p.Log.Errorf("feed: producer %v: %v", threadIdx, err)
			p.fail(err)
			return
		}
		perfstats.Update(&perfstats.Stats.FillNanosecondsPerBatch, time.Since(start).Nanoseconds())
		select {
		case <-p.stop:
			return
		case p.filled <- batch:
		}
	}
}

func (p *Pipeline) fail(err error) {
	p.errLock.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.errLock.Unlock()
	p.stopped.Do(func() {
		close(p.stop)
	})
}

func (p *Pipeline) err() error {
	p.errLock.Lock()
	defer p.errLock.Unlock()
	if p.firstErr != nil {
		return p.firstErr
	}
	return ErrStopped
}
