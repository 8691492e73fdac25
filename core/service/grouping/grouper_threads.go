package grouping

import (
	"context"

	"grouper_server/core/domain"
	"grouper_server/core/service/similarity"
	"grouper_server/pkg/logger"
)

// threadMergeConfidence is the minimum same-project verdict that merges two threads.
const threadMergeConfidence = 0.7

// Comparer judges whether two records belong to the same project.
type Comparer interface {
	Compare(ctx context.Context, a, b *domain.EntityRecord, known []domain.EntityRecord) (*similarity.Result, error)
}

// ThreadCluster is a set of threads judged to discuss one project.
type ThreadCluster struct {
	ThreadIDs []string `json:"thread_ids"`
	EmailIDs  []string `json:"email_ids"`
}

// GroupThreads buckets records by thread and merges threads whose
// representative records compare as the same project. Comparison failures
// leave the threads apart.
func (s *Service) GroupThreads(ctx context.Context, records []domain.EntityRecord) ([]ThreadCluster, error) {
	var order []string
	threads := make(map[string][]int)
	for i := range records {
		key := records[i].ThreadID
		if key == "" {
			key = "solo_" + records[i].EmailID
		}
		if _, ok := threads[key]; !ok {
			order = append(order, key)
		}
		threads[key] = append(threads[key], i)
	}

	uf := newUnionFind(len(order))
	if s.comparer != nil {
		for i := 0; i < len(order); i++ {
			for j := i + 1; j < len(order); j++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if uf.find(i) == uf.find(j) {
					continue
				}
				a := &records[threads[order[i]][0]]
				b := &records[threads[order[j]][0]]
				res, err := s.comparer.Compare(ctx, a, b, nil)
				if err != nil {
					logger.WithContext(ctx).WithError(err).Warn("failed to compare threads %s and %s", order[i], order[j])
					continue
				}
				if res.SameProject && res.Confidence >= threadMergeConfidence {
					uf.union(i, j)
				}
			}
		}
	}

	var roots []int
	clusters := make(map[int]*ThreadCluster)
	for i, key := range order {
		r := uf.find(i)
		c, ok := clusters[r]
		if !ok {
			c = &ThreadCluster{}
			clusters[r] = c
			roots = append(roots, r)
		}
		if records[threads[key][0]].ThreadID != "" {
			c.ThreadIDs = append(c.ThreadIDs, key)
		}
		for _, idx := range threads[key] {
			c.EmailIDs = append(c.EmailIDs, records[idx].EmailID)
		}
	}

	out := make([]ThreadCluster, 0, len(roots))
	for _, r := range roots {
		out = append(out, *clusters[r])
	}
	return out, nil
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
