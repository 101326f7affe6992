package embed

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunaway marks a request that forced three consecutive worker recycles
// and is permanently rejected (typically a pathologically large input).
var ErrRunaway = errors.New("request rejected after repeated worker recycles")

// ErrPoolClosed is returned for requests submitted after shutdown began.
var ErrPoolClosed = errors.New("worker pool is closed")

const maxStrikes = 3

// Options configure the pool's contracts.
type Options struct {
	// Workers is the number of sessions; each is serialized independently.
	Workers int
	// Timeout is the per-request deadline.
	Timeout time.Duration
	// MemoryLimitBytes recycles a worker whose observed RSS exceeds it.
	// Zero means half of system RAM; negative disables the policy.
	MemoryLimitBytes int64
}

// Pool dispatches embedding and rerank requests across workers. Model
// sessions are not reentrant, so each worker runs at most one in-flight
// request; recycling never blocks new enqueues — the next request lazily
// spawns a fresh worker.
type Pool struct {
	factory func() (Runtime, error)
	opts    Options
	logger  *zap.Logger

	free chan *slot
	all  []*slot

	mu      sync.Mutex
	closed  bool
	strikes map[string]int
}

type slot struct {
	rt Runtime
}

// NewPool builds a pool over a Runtime factory. The factory is invoked
// lazily, once per live worker.
func NewPool(factory func() (Runtime, error), opts Options, logger *zap.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MemoryLimitBytes == 0 {
		opts.MemoryLimitBytes = int64(systemRAM() / 2)
	}
	p := &Pool{
		factory: factory,
		opts:    opts,
		logger:  logger,
		free:    make(chan *slot, opts.Workers),
		strikes: make(map[string]int),
	}
	for i := 0; i < opts.Workers; i++ {
		s := &slot{}
		p.all = append(p.all, s)
		p.free <- s
	}
	return p
}

// EmbedHybrid encodes document texts into dense + late-interaction vectors.
func (p *Pool) EmbedHybrid(ctx context.Context, texts []string) ([]HybridEmbedding, error) {
	res, err := p.do(ctx, requestKey("hybrid", texts...), func(rt Runtime) (any, error) {
		return rt.Hybrid(texts)
	})
	if err != nil {
		return nil, err
	}
	return res.([]HybridEmbedding), nil
}

// EmbedQuery encodes a query; the recognized query prefix is applied by
// the runtime.
func (p *Pool) EmbedQuery(ctx context.Context, text string) (QueryEmbedding, error) {
	res, err := p.do(ctx, requestKey("query", text), func(rt Runtime) (any, error) {
		return rt.Query(text)
	})
	if err != nil {
		return QueryEmbedding{}, err
	}
	return res.(QueryEmbedding), nil
}

// Rerank returns cross-encoder probabilities for query/document pairs.
func (p *Pool) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	res, err := p.do(ctx, requestKey("rerank", append([]string{query}, documents...)...), func(rt Runtime) (any, error) {
		return rt.Rerank(query, documents)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float64), nil
}

func (p *Pool) do(ctx context.Context, key string, fn func(Runtime) (any, error)) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.strikes[key] >= maxStrikes {
		p.mu.Unlock()
		return nil, ErrRunaway
	}
	p.mu.Unlock()

	var s *slot
	select {
	case s = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- s }()

	// one automatic retry after a worker restart
	for attempt := 0; ; attempt++ {
		res, err := p.run(ctx, s, fn)
		if err == nil {
			p.clearStrikes(key)
			p.applyMemoryPolicy(s)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.recycle(s)
		if p.addStrike(key) >= maxStrikes {
			return nil, fmt.Errorf("%w: %v", ErrRunaway, err)
		}
		if attempt >= 1 {
			return nil, err
		}
		p.logger.Warn("worker request failed, retrying after restart", zap.Error(err))
	}
}

// run executes one attempt against the slot's worker under the deadline.
// On expiry it returns an error and leaves the attempt running; the caller
// then recycles the worker, whose Close unblocks the abandoned attempt.
func (p *Pool) run(ctx context.Context, s *slot, fn func(Runtime) (any, error)) (any, error) {
	if s.rt == nil {
		rt, err := p.factory()
		if err != nil {
			return nil, fmt.Errorf("spawn worker: %w", err)
		}
		s.rt = rt
	}
	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	rt := s.rt
	go func() {
		res, err := fn(rt)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.res, o.err
	case <-timer.C:
		return nil, fmt.Errorf("worker request timed out after %s", p.opts.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) applyMemoryPolicy(s *slot) {
	if p.opts.MemoryLimitBytes <= 0 || s.rt == nil {
		return
	}
	if rss := s.rt.RSS(); int64(rss) > p.opts.MemoryLimitBytes {
		p.logger.Info("worker over memory threshold, recycling",
			zap.Uint64("rss", rss), zap.Int64("limit", p.opts.MemoryLimitBytes))
		p.recycle(s)
	}
}

func (p *Pool) recycle(s *slot) {
	if s.rt == nil {
		return
	}
	rt := s.rt
	s.rt = nil
	go func() {
		if err := rt.Close(); err != nil {
			p.logger.Debug("worker close", zap.Error(err))
		}
	}()
}

func (p *Pool) addStrike(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strikes[key]++
	return p.strikes[key]
}

func (p *Pool) clearStrikes(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.strikes, key)
}

// Close drains the workers and terminates them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for range p.all {
		s := <-p.free
		p.recycle(s)
	}
	return nil
}

func requestKey(op string, parts ...string) string {
	h := sha1.New()
	h.Write([]byte(op))
	for _, part := range parts {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// systemRAM reads total memory from /proc/meminfo; zero when unavailable.
func systemRAM() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
