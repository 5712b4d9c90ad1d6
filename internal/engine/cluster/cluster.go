// Package cluster partitions courses into conflict-connected groups small
// enough for the exact solver.
package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// Conflict edge weights.
const (
	WeightSharedFaculty   = 3.0
	WeightPerStudent      = 1.0
	MaxStudentWeight      = 5.0
	WeightSharedFeature   = 1.5
	defaultMaxClusterSize = 24
	louvainResolution     = 1.0
)

// Options tunes graph construction and partitioning.
type Options struct {
	Workers        int
	EdgeThreshold  float64
	MaxClusterSize int
	Seed           uint64
	Logger         *zap.Logger
}

// Stats describes one clustering run.
type Stats struct {
	Courses      int     `json:"courses"`
	Edges        int     `json:"edges"`
	DroppedEdges int     `json:"dropped_edges"`
	Communities  int     `json:"communities"`
	Clusters     int     `json:"clusters"`
	Oversized    int     `json:"oversized"`
	Isolated     int     `json:"isolated"`
	Modularity   float64 `json:"modularity"`
}

type edge struct {
	to     int
	weight float64
}

// Weight scores how strongly two courses compete for the same resources.
func Weight(e *models.Entities, a, b models.Course) float64 {
	weight := 0.0
	if a.FacultyID != "" && a.FacultyID == b.FacultyID {
		weight += WeightSharedFaculty
	}
	if shared := e.SharedStudents(a.ID, b.ID); shared > 0 {
		weight += min(float64(shared)*WeightPerStudent, MaxStudentWeight)
	}
	if len(lo.Intersect(a.RequiredFeatures, b.RequiredFeatures)) > 0 {
		weight += WeightSharedFeature
	}
	return weight
}

// Build computes the conflict graph and returns clusters ordered by their
// smallest course id. Every course appears in exactly one cluster.
func Build(ctx context.Context, e *models.Entities, opts Options) ([]models.Cluster, Stats, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxClusterSize <= 0 {
		opts.MaxClusterSize = defaultMaxClusterSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	courses := e.Courses
	stats := Stats{Courses: len(courses)}
	if len(courses) == 0 {
		return nil, stats, nil
	}

	adjacency, err := computeEdges(ctx, e, opts.Workers)
	if err != nil {
		return nil, stats, err
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	connected := make([]bool, len(courses))
	for i, row := range adjacency {
		for _, ed := range row {
			if ed.weight < opts.EdgeThreshold {
				stats.DroppedEdges++
				continue
			}
			stats.Edges++
			connected[i], connected[ed.to] = true, true
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(i), simple.Node(ed.to), ed.weight))
		}
	}

	var groups [][]int
	var isolated []int
	for i := range courses {
		if !connected[i] {
			isolated = append(isolated, i)
		}
	}
	stats.Isolated = len(isolated)

	if stats.Edges > 0 {
		reduced := community.Modularize(g, louvainResolution, rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
		communities := reduced.Communities()
		stats.Modularity = community.Q(g, communities, louvainResolution)
		stats.Communities = len(communities)
		for _, members := range communities {
			ids := nodeIDs(members)
			if len(ids) > 0 {
				groups = append(groups, ids)
			}
		}
	}

	var clusters []models.Cluster
	for _, group := range groups {
		for _, chunk := range split(group, adjacency, opts.MaxClusterSize) {
			clusters = append(clusters, toCluster(courses, chunk.members, chunk.oversized))
		}
	}
	for _, batch := range lo.Chunk(isolated, opts.MaxClusterSize) {
		clusters = append(clusters, toCluster(courses, batch, false))
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].CourseIDs[0] < clusters[j].CourseIDs[0]
	})
	for i := range clusters {
		clusters[i].ID = i
		if clusters[i].Oversized {
			stats.Oversized++
		}
	}
	stats.Clusters = len(clusters)

	opts.Logger.Debug("courses clustered",
		zap.Int("courses", stats.Courses),
		zap.Int("edges", stats.Edges),
		zap.Int("clusters", stats.Clusters),
		zap.Int("oversized", stats.Oversized),
	)
	return clusters, stats, nil
}

// computeEdges fills one adjacency row per course; row i only holds
// neighbours j > i so workers never share a row.
func computeEdges(ctx context.Context, e *models.Entities, workers int) ([][]edge, error) {
	courses := e.Courses
	rows := make([][]edge, len(courses))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i := range courses {
		i := i
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := i + 1; j < len(courses); j++ {
				if w := Weight(e, courses[i], courses[j]); w > 0 {
					rows[i] = append(rows[i], edge{to: j, weight: w})
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("compute conflict edges: %w", err)
	}
	return rows, nil
}

type chunk struct {
	members   []int
	oversized bool
}

// split packs a community into chunks of at most limit courses by weighted
// affinity. A course bound to a full chunk by a shared faculty edge joins it
// anyway and the chunk is flagged oversized, since separating them would
// hide a hard conflict from the solver.
func split(members []int, adjacency [][]edge, limit int) []chunk {
	if len(members) <= limit {
		return []chunk{{members: members}}
	}

	weights := symmetricWeights(members, adjacency)
	order := append([]int(nil), members...)
	degree := func(n int) float64 {
		total := 0.0
		for _, w := range weights[n] {
			total += w
		}
		return total
	}
	sort.SliceStable(order, func(i, j int) bool {
		di, dj := degree(order[i]), degree(order[j])
		if di == dj {
			return order[i] < order[j]
		}
		return di > dj
	})

	var chunks []chunk
	for _, n := range order {
		best, bestAffinity := -1, 0.0
		hard, hardAffinity := -1, 0.0
		for idx, c := range chunks {
			affinity, strongest := 0.0, 0.0
			for _, m := range c.members {
				w := weights[n][m]
				affinity += w
				strongest = max(strongest, w)
			}
			if len(c.members) < limit && affinity > bestAffinity {
				best, bestAffinity = idx, affinity
			}
			if len(c.members) >= limit && strongest >= WeightSharedFaculty && affinity > hardAffinity {
				hard, hardAffinity = idx, affinity
			}
		}
		switch {
		case hard >= 0 && hardAffinity > bestAffinity:
			chunks[hard].members = append(chunks[hard].members, n)
			chunks[hard].oversized = true
		case best >= 0:
			chunks[best].members = append(chunks[best].members, n)
		default:
			chunks = append(chunks, chunk{members: []int{n}})
		}
	}
	return chunks
}

func symmetricWeights(members []int, adjacency [][]edge) map[int]map[int]float64 {
	in := make(map[int]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	out := make(map[int]map[int]float64, len(members))
	for _, m := range members {
		out[m] = make(map[int]float64)
	}
	for _, m := range members {
		for _, ed := range adjacency[m] {
			if !in[ed.to] {
				continue
			}
			out[m][ed.to] = ed.weight
			out[ed.to][m] = ed.weight
		}
	}
	return out
}

func nodeIDs(nodes []graph.Node) []int {
	ids := make([]int, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, int(n.ID()))
	}
	sort.Ints(ids)
	return ids
}

func toCluster(courses []models.Course, members []int, oversized bool) models.Cluster {
	ids := lo.Map(members, func(idx int, _ int) string { return courses[idx].ID })
	sort.Strings(ids)
	return models.Cluster{CourseIDs: ids, Oversized: oversized}
}
