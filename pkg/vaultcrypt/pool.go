package vaultcrypt

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"veil/metrics"
)

// Pool offloads seal/open of large payloads to worker goroutines so
// they never block an interactive caller. Each submission gets an
// operation ID; results carry it back so concurrent requests cannot be
// conflated. Result channels are buffered: a caller that abandons a
// result never wedges a worker, and no partial output is ever
// delivered.
type Pool struct {
	jobs     chan job
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

type OpID string

type Result struct {
	Op         OpID
	Plaintext  []byte
	Ciphertext []byte
	Nonce      []byte
	Err        error
}

type job struct {
	op    OpID
	open  bool
	data  []byte
	nonce []byte
	key   []byte
	resp  chan Result
}

func NewPool(queueDepth int) *Pool {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Pool{
		jobs: make(chan job, queueDepth),
		quit: make(chan struct{}),
	}
}

func (p *Pool) Start(workers int) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return errors.New("sealer pool already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	p.started = true
	return nil
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			var res Result
			res.Op = j.op
			if j.open {
				res.Plaintext, res.Err = Open(j.data, j.nonce, j.key)
				metrics.SealOps.WithLabelValues("open").Inc()
			} else {
				res.Ciphertext, res.Nonce, res.Err = Seal(j.data, j.key)
				metrics.SealOps.WithLabelValues("seal").Inc()
			}
			j.resp <- res
		case <-p.quit:
			return
		}
	}
}

// SubmitSeal queues an encryption. The returned channel delivers
// exactly one Result tagged with the operation ID.
func (p *Pool) SubmitSeal(ctx context.Context, plaintext, key []byte) (OpID, <-chan Result, error) {
	return p.submit(ctx, job{open: false, data: plaintext, key: key})
}

// SubmitOpen queues a decryption.
func (p *Pool) SubmitOpen(ctx context.Context, ciphertext, nonce, key []byte) (OpID, <-chan Result, error) {
	return p.submit(ctx, job{open: true, data: ciphertext, nonce: nonce, key: key})
}

func (p *Pool) submit(ctx context.Context, j job) (OpID, <-chan Result, error) {
	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()
	if !started {
		return "", nil, errors.New("sealer pool not started")
	}
	j.op = OpID(uuid.New().String())
	j.resp = make(chan Result, 1)
	select {
	case p.jobs <- j:
		return j.op, j.resp, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-p.quit:
		return "", nil, errors.New("sealer pool shutting down")
	}
}
