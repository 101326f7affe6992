// Package searcher implements hybrid retrieval: dense and keyword
// candidates fused by reciprocal rank, refined by a cross-encoder, and
// shaped by structural boosts and a per-file cap.
package searcher

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/store"
)

const (
	rrfK         = 60
	rerankWindow = 50
	minCandidate = 50
)

// Options shape one query.
type Options struct {
	TopK       int
	PathPrefix string
	// Rerank toggles the cross-encoder pass; on by default.
	Rerank bool
	// RerankWeight blends reranker probability with normalized RRF.
	RerankWeight float64
	// PerFileCap limits matches per path; anchor rows count against it.
	PerFileCap int
}

// DefaultOptions returns the default search surface configuration.
func DefaultOptions() Options {
	return Options{TopK: 25, Rerank: true, RerankWeight: 0.7, PerFileCap: 1}
}

var kindBoost = map[models.FragmentKind]float64{
	models.KindFunction: 1.10,
	models.KindClass:    1.10,
	models.KindMethod:   1.10,
	models.KindAnchor:   1.05,
	models.KindBlock:    1.00,
	models.KindFallback: 0.95,
}

// Searcher answers natural-language queries against the fragment store.
type Searcher struct {
	store  store.Store
	pool   *embed.Pool
	logger *zap.Logger
}

func New(st store.Store, pool *embed.Pool, logger *zap.Logger) *Searcher {
	return &Searcher{store: st, pool: pool, logger: logger}
}

type candidate struct {
	hit      models.SearchHit
	rrf      float64
	rerank   float64
	final    float64
	order    int // arrival order, for stable tie-breaks
	reranked bool
}

// Search runs the full retrieval procedure and returns at most TopK hits
// in descending final score.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]models.SearchHit, error) {
	if opts.TopK <= 0 {
		opts.TopK = 25
	}
	if opts.RerankWeight <= 0 || opts.RerankWeight > 1 {
		opts.RerankWeight = 0.7
	}
	if opts.PerFileCap <= 0 {
		opts.PerFileCap = 1
	}

	q, err := s.pool.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	fetch := opts.TopK * 5
	if fetch < minCandidate {
		fetch = minCandidate
	}
	dense, err := s.store.SearchVector(ctx, q.Dense, fetch, opts.PathPrefix)
	if err != nil {
		return nil, err
	}
	keyword, err := s.store.SearchFTS(ctx, query, fetch, opts.PathPrefix)
	if err != nil {
		s.logger.Warn("keyword search failed, using dense candidates only", zap.Error(err))
		keyword = nil
	}

	candidates := fuse(dense, keyword)
	if len(candidates) == 0 {
		return nil, nil
	}

	if opts.Rerank {
		s.rerank(ctx, query, candidates)
	}
	blend(candidates, opts.RerankWeight)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].final != candidates[j].final {
			return candidates[i].final > candidates[j].final
		}
		return candidates[i].order < candidates[j].order
	})

	perPath := make(map[string]int)
	out := make([]models.SearchHit, 0, opts.TopK)
	for _, c := range candidates {
		if perPath[c.hit.Fragment.Path] >= opts.PerFileCap {
			continue
		}
		perPath[c.hit.Fragment.Path]++
		c.hit.Score = c.final
		out = append(out, c.hit)
		if len(out) == opts.TopK {
			break
		}
	}
	return out, nil
}

// fuse merges the two ranked lists with reciprocal-rank fusion,
// 1/(60+rank) per list, missing treated as absent.
func fuse(dense, keyword []models.SearchHit) []*candidate {
	byID := make(map[string]*candidate)
	var ordered []*candidate
	add := func(hit models.SearchHit, rank int) {
		c, ok := byID[hit.Fragment.ID]
		if !ok {
			c = &candidate{hit: hit, order: len(ordered)}
			byID[hit.Fragment.ID] = c
			ordered = append(ordered, c)
		}
		c.rrf += 1.0 / float64(rrfK+rank)
	}
	for i, hit := range dense {
		add(hit, i+1)
	}
	for i, hit := range keyword {
		add(hit, i+1)
	}
	return ordered
}

// rerank scores the top candidates by RRF through the cross-encoder. On
// any error the RRF ordering stands.
func (s *Searcher) rerank(ctx context.Context, query string, candidates []*candidate) {
	window := make([]*candidate, len(candidates))
	copy(window, candidates)
	sort.SliceStable(window, func(i, j int) bool { return window[i].rrf > window[j].rrf })
	if len(window) > rerankWindow {
		window = window[:rerankWindow]
	}
	texts := make([]string, len(window))
	for i, c := range window {
		texts[i] = c.hit.Fragment.Text
	}
	scores, err := s.pool.Rerank(ctx, query, texts)
	if err != nil {
		s.logger.Warn("rerank failed, falling back to fusion scores", zap.Error(err))
		return
	}
	for i, c := range window {
		c.rerank = scores[i]
		c.reranked = true
	}
}

// blend computes final scores: rerank probability weighted against
// min-max-normalized RRF, then the structural kind boost.
func blend(candidates []*candidate, rerankWeight float64) {
	lo, hi := candidates[0].rrf, candidates[0].rrf
	for _, c := range candidates {
		if c.rrf < lo {
			lo = c.rrf
		}
		if c.rrf > hi {
			hi = c.rrf
		}
	}
	span := hi - lo
	for _, c := range candidates {
		norm := 1.0
		if span > 0 {
			norm = (c.rrf - lo) / span
		}
		if c.reranked {
			c.final = rerankWeight*c.rerank + (1-rerankWeight)*norm
		} else {
			c.final = norm
		}
		if boost, ok := kindBoost[c.hit.Fragment.Kind]; ok {
			c.final *= boost
		}
	}
}
