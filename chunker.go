package wim

import (
	"sync"

	"github.com/dargueta/wim/compression"
)

// chunkCompressor is the capability object through which the write
// orchestrator compresses chunks. The contract: the orchestrator
// borrows one buffer at a time with getChunkBuffer (nil means none are
// free and compressed results must be drained first), fills it, and
// calls signalChunkFilled; results come back from getCompressionResult
// in exactly the order chunks were submitted.
//
// The returned result slices are valid until the next call into the
// compressor.
type chunkCompressor interface {
	getChunkBuffer() []byte
	signalChunkFilled(usize int)
	getCompressionResult() (data []byte, csize, usize int, ok bool)
	destroy()
	numThreads() int
}

// serialChunkCompressor compresses each chunk on the calling thread,
// one in flight.
type serialChunkCompressor struct {
	comp      compression.Compressor
	chunkSize uint32

	in        []byte
	out       []byte
	inUse     bool
	pending   bool
	pendUsize int
}

func newSerialChunkCompressor(ctype compression.Type, chunkSize uint32) (chunkCompressor, error) {
	comp, err := newCompressor(ctype, chunkSize)
	if err != nil {
		return nil, err
	}
	return &serialChunkCompressor{
		comp:      comp,
		chunkSize: chunkSize,
		in:        make([]byte, chunkSize),
		out:       make([]byte, chunkSize),
	}, nil
}

func (c *serialChunkCompressor) getChunkBuffer() []byte {
	if c.inUse || c.pending {
		return nil
	}
	c.inUse = true
	return c.in
}

func (c *serialChunkCompressor) signalChunkFilled(usize int) {
	c.inUse = false
	c.pending = true
	c.pendUsize = usize
}

func (c *serialChunkCompressor) getCompressionResult() ([]byte, int, int, bool) {
	if !c.pending {
		return nil, 0, 0, false
	}
	c.pending = false
	usize := c.pendUsize
	csize := c.comp.Compress(c.in[:usize], c.out)
	if csize == 0 || csize >= usize {
		return c.in[:usize], usize, usize, true
	}
	return c.out[:csize], csize, usize, true
}

func (c *serialChunkCompressor) destroy()        {}
func (c *serialChunkCompressor) numThreads() int { return 1 }

// parallelChunkCompressor fans chunks out to a worker pool through a
// pair of bounded channels. Submission order is preserved by tagging
// jobs with sequence numbers and reordering on retrieval.
type parallelChunkCompressor struct {
	chunkSize uint32
	threads   int

	freeIn  chan []byte
	freeOut chan []byte
	jobs    chan chunkJob
	results chan chunkDone

	cur         []byte
	submitSeq   uint64
	retrieveSeq uint64
	outstanding int

	// Out-of-order results parked until their turn.
	parked map[uint64]chunkDone

	// Buffers handed out by the last getCompressionResult, recycled on
	// the next call into the compressor.
	lastIn  []byte
	lastOut []byte

	wg sync.WaitGroup
}

type chunkJob struct {
	seq   uint64
	in    []byte
	usize int
	out   []byte
}

type chunkDone struct {
	seq   uint64
	in    []byte
	out   []byte
	csize int // 0 means incompressible; data is the input buffer
	usize int
}

func newParallelChunkCompressor(ctype compression.Type, chunkSize uint32, threads int) (chunkCompressor, error) {
	if threads < 1 {
		threads = 1
	}
	// Validate the codec up front so workers cannot fail to start.
	if _, err := newCompressor(ctype, chunkSize); err != nil {
		return nil, err
	}

	numBuffers := threads * 2
	c := &parallelChunkCompressor{
		chunkSize: chunkSize,
		threads:   threads,
		freeIn:    make(chan []byte, numBuffers),
		freeOut:   make(chan []byte, numBuffers),
		jobs:      make(chan chunkJob, numBuffers),
		results:   make(chan chunkDone, numBuffers),
		parked:    make(map[uint64]chunkDone),
	}
	for i := 0; i < numBuffers; i++ {
		c.freeIn <- make([]byte, chunkSize)
		c.freeOut <- make([]byte, chunkSize)
	}

	c.wg.Add(threads)
	for i := 0; i < threads; i++ {
		comp, err := newCompressor(ctype, chunkSize)
		if err != nil {
			// Cannot happen after the probe above; be safe anyway.
			close(c.jobs)
			return nil, err
		}
		go c.worker(comp)
	}
	return c, nil
}

func (c *parallelChunkCompressor) worker(comp compression.Compressor) {
	defer c.wg.Done()
	for job := range c.jobs {
		csize := comp.Compress(job.in[:job.usize], job.out)
		if csize >= job.usize {
			csize = 0
		}
		c.results <- chunkDone{
			seq:   job.seq,
			in:    job.in,
			out:   job.out,
			csize: csize,
			usize: job.usize,
		}
	}
}

func (c *parallelChunkCompressor) recycleLast() {
	if c.lastIn != nil {
		c.freeIn <- c.lastIn
		c.lastIn = nil
	}
	if c.lastOut != nil {
		c.freeOut <- c.lastOut
		c.lastOut = nil
	}
}

func (c *parallelChunkCompressor) getChunkBuffer() []byte {
	c.recycleLast()
	if c.cur != nil {
		return c.cur
	}
	select {
	case buf := <-c.freeIn:
		c.cur = buf
		return buf
	default:
		return nil
	}
}

func (c *parallelChunkCompressor) signalChunkFilled(usize int) {
	out := <-c.freeOut
	c.jobs <- chunkJob{seq: c.submitSeq, in: c.cur, usize: usize, out: out}
	c.submitSeq++
	c.outstanding++
	c.cur = nil
}

func (c *parallelChunkCompressor) getCompressionResult() ([]byte, int, int, bool) {
	c.recycleLast()
	if c.outstanding == 0 {
		return nil, 0, 0, false
	}
	for {
		if done, ok := c.parked[c.retrieveSeq]; ok {
			delete(c.parked, c.retrieveSeq)
			c.retrieveSeq++
			c.outstanding--
			c.lastIn = done.in
			c.lastOut = done.out
			if done.csize == 0 {
				return done.in[:done.usize], done.usize, done.usize, true
			}
			return done.out[:done.csize], done.csize, done.usize, true
		}
		done := <-c.results
		c.parked[done.seq] = done
	}
}

func (c *parallelChunkCompressor) destroy() {
	close(c.jobs)
	c.wg.Wait()
	close(c.results)
	for range c.results {
	}
}

func (c *parallelChunkCompressor) numThreads() int { return c.threads }

// newChunkCompressor picks the parallel implementation when the amount
// of data to compress justifies the thread pool.
func newChunkCompressor(ctype compression.Type, chunkSize uint32, numThreads int, totalBytes uint64) (chunkCompressor, error) {
	if numThreads > 1 && totalBytes > max64(2_000_000, uint64(chunkSize)) {
		return newParallelChunkCompressor(ctype, chunkSize, numThreads)
	}
	return newSerialChunkCompressor(ctype, chunkSize)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
