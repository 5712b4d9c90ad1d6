// Package solver assigns placements to the sessions of each cluster with an
// exact search and a greedy fallback, then merges the cluster results.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// Method tells how a cluster was solved.
type Method string

const (
	MethodExact  Method = "exact"
	MethodGreedy Method = "greedy"
)

// Fallback reasons.
const (
	FallbackGreedyMode = "greedy_mode"
	FallbackOversized  = "oversized"
	FallbackInfeasible = "infeasible"
	FallbackTimeout    = "timeout"
	FallbackBudget     = "node_budget"
)

// Options tunes one cluster solve.
type Options struct {
	Exact      bool
	Timeout    time.Duration
	NodeBudget int
	Logger     *zap.Logger
}

// Partial is the isolated result of one cluster.
type Partial struct {
	ClusterID int
	Schedule  *models.Schedule
	Method    Method
	Fallback  string
	Nodes     int
	Elapsed   time.Duration
}

// BuildDomains precomputes the valid placements of every course.
func BuildDomains(e *models.Entities) *models.ValidDomain {
	return models.BuildValidDomain(e)
}

// SolveCluster solves one cluster on its own schedule. Infeasible, timed
// out or oversized clusters are handed to the greedy scheduler.
func SolveCluster(ctx context.Context, cluster models.Cluster, e *models.Entities, domains *models.ValidDomain, opts Options) Partial {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	partial := Partial{ClusterID: cluster.ID}

	switch {
	case !opts.Exact:
		partial.Fallback = FallbackGreedyMode
	case cluster.Oversized:
		partial.Fallback = FallbackOversized
	default:
		sched := models.NewSchedule(e)
		nodes, err := solveExact(sched, domains, cluster.CourseIDs, opts.Timeout, opts.NodeBudget)
		partial.Nodes = nodes
		if err == nil {
			partial.Schedule = sched
			partial.Method = MethodExact
			partial.Elapsed = time.Since(start)
			return partial
		}
		partial.Fallback = fallbackReason(err)
	}

	sched := models.NewSchedule(e)
	Greedy(sched, domains, clusterKeys(e, cluster))
	partial.Schedule = sched
	partial.Method = MethodGreedy
	partial.Elapsed = time.Since(start)

	logger.Debug("cluster solved by greedy fallback",
		zap.Int("cluster_id", cluster.ID),
		zap.String("reason", partial.Fallback),
		zap.Int("nodes", partial.Nodes),
		zap.Int("unscheduled", len(sched.Unscheduled())),
	)
	return partial
}

// SolveAll solves clusters on a bounded pool. Cancellation is observed
// between cluster solves; a running solve finishes under its own timeout.
func SolveAll(ctx context.Context, clusters []models.Cluster, e *models.Entities, domains *models.ValidDomain, workers int, opts Options) ([]Partial, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]Partial, len(clusters))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i := range clusters {
		i := i
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = SolveCluster(gctx, clusters[i], e, domains, opts)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("solve clusters: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("solve clusters: %w", err)
	}
	return results, nil
}

func clusterKeys(e *models.Entities, cluster models.Cluster) []models.SessionKey {
	var keys []models.SessionKey
	for _, id := range cluster.CourseIDs {
		course, ok := e.Course(id)
		if !ok {
			continue
		}
		for i := 0; i < course.Sessions; i++ {
			keys = append(keys, models.SessionKey{CourseID: id, Session: i})
		}
	}
	return keys
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, errTimeout):
		return FallbackTimeout
	case errors.Is(err, errBudget):
		return FallbackBudget
	default:
		return FallbackInfeasible
	}
}
