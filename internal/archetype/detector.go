package archetype

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
)

// DetectorOptions tunes one detection run.
type DetectorOptions struct {
	// MinLift and MinTogether threshold the correlation edges used to
	// build the graph.
	MinLift     float64
	MinTogether int
	// Resolution and Seed are passed to Louvain.
	Resolution float64
	Seed       int64
	// MinCards drops smaller clusters to the orphan pool.
	MinCards int
	// MinCentrality routes weakly connected members to the orphan
	// pool; survivors are Core members.
	MinCentrality float64
	// Flex expansion thresholds. NoFlex disables the step.
	FlexMinConnections int
	FlexMinLift        float64
	NoFlex             bool
	// MinMatchOverlap is the Jaccard floor for carrying a prior
	// community's curation forward to a successor cluster.
	MinMatchOverlap float64
}

// DefaultDetectorOptions returns the production defaults.
func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		MinLift:            1.5,
		MinTogether:        50,
		Resolution:         1.0,
		MinCards:           7,
		MinCentrality:      0.5,
		FlexMinConnections: 3,
		FlexMinLift:        2.0,
		MinMatchOverlap:    0.3,
	}
}

// DetectionSummary reports one detection run.
type DetectionSummary struct {
	GraphNodes     int
	GraphEdges     int
	Communities    int
	CarriedForward int
	FlexCards      int
	OrphanCards    int
	Duration       time.Duration
}

// Detector regenerates the archetype communities of a scope.
type Detector struct {
	correlations repository.CorrelationRepository
	communities  repository.CommunityRepository
	joblog       repository.ComputationLogRepository
	logger       *slog.Logger
}

// NewDetector creates an archetype detector.
func NewDetector(
	correlations repository.CorrelationRepository,
	communities repository.CommunityRepository,
	joblog repository.ComputationLogRepository,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		correlations: correlations,
		communities:  communities,
		joblog:       joblog,
		logger:       logger,
	}
}

// cluster is one detected community before persistence.
type cluster struct {
	cards      []string
	centrality map[string]float64
	avgLift    float64
	flex       map[string]float64 // card -> score
}

// DetectScope runs detection for one (format, side, patch) scope and
// replaces its stored communities, preserving curation per the
// carry-forward rules. The orphan pool row survives every regeneration.
func (d *Detector) DetectScope(ctx context.Context, format string, side models.Side, patch *models.BalancePatch, opts DetectorOptions) (*DetectionSummary, error) {
	scope := fmt.Sprintf("%s/%s/%s", format, side, patch.Name)
	entry, err := d.joblog.Start(ctx, "detect", scope)
	if err != nil {
		return nil, err
	}

	summary, runErr := d.detectScope(ctx, format, side, patch, opts)
	if runErr != nil {
		if failErr := d.joblog.Fail(context.WithoutCancel(ctx), entry.ID, runErr.Error()); failErr != nil {
			d.logger.Error("failed to record job failure", "error", failErr)
		}
		return nil, runErr
	}

	if err := d.joblog.Complete(ctx, entry.ID, summary.Communities); err != nil {
		return summary, fmt.Errorf("failed to record job completion: %w", err)
	}
	return summary, nil
}

func (d *Detector) detectScope(ctx context.Context, format string, side models.Side, patch *models.BalancePatch, opts DetectorOptions) (*DetectionSummary, error) {
	start := time.Now()

	rows, err := d.correlations.GetScope(ctx, format, side, patch.ID, opts.MinLift, opts.MinTogether)
	if err != nil {
		return nil, err
	}
	graph := BuildGraph(rows)

	partition := Louvain(graph, LouvainOptions{Resolution: opts.Resolution, Seed: opts.Seed})
	clusters, orphans := buildClusters(graph, partition, opts)

	flexCount := 0
	if !opts.NoFlex {
		flexCount = expandFlex(graph, clusters, opts)
	}

	prior, err := d.communities.LoadScope(ctx, format, side, patch.ID)
	if err != nil {
		return nil, err
	}

	state, carried := reconcile(clusters, orphans, prior, opts.MinMatchOverlap)

	if err := d.communities.ApplyDetection(ctx, format, side, patch.ID, state); err != nil {
		return nil, err
	}

	edges := 0
	for _, card := range graph.Cards() {
		edges += len(graph.Neighbors(card))
	}
	summary := &DetectionSummary{
		GraphNodes:     graph.Order(),
		GraphEdges:     edges / 2,
		Communities:    len(clusters),
		CarriedForward: carried,
		FlexCards:      flexCount,
		OrphanCards:    len(orphans),
		Duration:       time.Since(start),
	}
	d.logger.Info("archetype detection complete",
		"scope", fmt.Sprintf("%s/%s/%s", format, side, patch.Name),
		"communities", summary.Communities,
		"carried_forward", summary.CarriedForward,
		"orphans", summary.OrphanCards,
	)
	return summary, nil
}

// buildClusters turns the raw partition into clusters, routing small
// clusters and weakly connected members to the orphan list.
func buildClusters(g *Graph, partition [][]string, opts DetectorOptions) ([]*cluster, []string) {
	var clusters []*cluster
	var orphans []string

	for _, cards := range partition {
		if len(cards) < opts.MinCards {
			orphans = append(orphans, cards...)
			continue
		}

		member := make(map[string]bool, len(cards))
		for _, card := range cards {
			member[card] = true
		}

		c := &cluster{centrality: make(map[string]float64), flex: make(map[string]float64)}
		var lifts []float64
		for i, a := range cards {
			internal := 0
			for _, b := range cards {
				if a != b && g.HasEdge(a, b) {
					internal++
				}
			}
			c.centrality[a] = float64(internal) / float64(len(cards)-1)
			for _, b := range cards[i+1:] {
				if g.HasEdge(a, b) {
					lifts = append(lifts, g.Weight(a, b))
				}
			}
		}
		if len(lifts) > 0 {
			sum := 0.0
			for _, l := range lifts {
				sum += l
			}
			c.avgLift = sum / float64(len(lifts))
		}

		for _, card := range cards {
			if c.centrality[card] < opts.MinCentrality {
				orphans = append(orphans, card)
				delete(c.centrality, card)
				continue
			}
			c.cards = append(c.cards, card)
		}
		sort.Strings(c.cards)

		if len(c.cards) == 0 {
			continue
		}
		clusters = append(clusters, c)
	}

	sort.Strings(orphans)
	return clusters, orphans
}

// expandFlex adds flex members: cards outside a cluster with enough
// strong edges into its core. Returns the number of flex memberships.
func expandFlex(g *Graph, clusters []*cluster, opts DetectorOptions) int {
	count := 0
	for _, c := range clusters {
		if len(c.cards) < opts.FlexMinConnections {
			continue
		}
		member := make(map[string]bool, len(c.cards))
		for _, card := range c.cards {
			member[card] = true
		}

		for _, candidate := range g.Cards() {
			if member[candidate] {
				continue
			}
			connections := 0
			liftSum := 0.0
			for _, core := range c.cards {
				if g.HasEdge(candidate, core) {
					connections++
					liftSum += g.Weight(candidate, core)
				}
			}
			if connections < opts.FlexMinConnections {
				continue
			}
			avg := liftSum / float64(connections)
			if avg < opts.FlexMinLift {
				continue
			}
			score := avg / 5.0
			if score > 1.0 {
				score = 1.0
			}
			c.flex[candidate] = score
			count++
		}
	}
	return count
}

// reconcile merges detected clusters with the prior curated state into
// the desired end state for ApplyDetection. Returns the state and the
// number of clusters that inherited a predecessor.
func reconcile(clusters []*cluster, orphans []string, prior []*repository.CommunityWithMembers, minOverlap float64) ([]*repository.CommunityWithMembers, int) {
	var orphanPool *repository.CommunityWithMembers
	var predecessors []*repository.CommunityWithMembers
	for _, p := range prior {
		if p.Community.IsOrphanPool {
			orphanPool = p
			continue
		}
		predecessors = append(predecessors, p)
	}

	// Greedy successor matching by Jaccard overlap of member sets.
	type match struct {
		prior   int
		cluster int
		overlap float64
	}
	var candidates []match
	for pi, p := range predecessors {
		priorSet := make(map[string]bool, len(p.Members))
		for _, m := range p.Members {
			priorSet[m.Blueprint] = true
		}
		for ci, c := range clusters {
			inter := 0
			for _, card := range c.cards {
				if priorSet[card] {
					inter++
				}
			}
			if inter == 0 {
				continue
			}
			union := len(priorSet) + len(c.cards) - inter
			overlap := float64(inter) / float64(union)
			if overlap >= minOverlap {
				candidates = append(candidates, match{prior: pi, cluster: ci, overlap: overlap})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		// Stable order for equal overlaps.
		if candidates[i].prior != candidates[j].prior {
			return candidates[i].prior < candidates[j].prior
		}
		return candidates[i].cluster < candidates[j].cluster
	})

	priorTaken := make(map[int]bool)
	clusterTaken := make(map[int]bool)
	successor := make(map[int]*repository.CommunityWithMembers) // cluster index -> predecessor
	carried := 0
	for _, m := range candidates {
		if priorTaken[m.prior] || clusterTaken[m.cluster] {
			continue
		}
		priorTaken[m.prior] = true
		clusterTaken[m.cluster] = true
		successor[m.cluster] = predecessors[m.prior]
		carried++
	}

	var state []*repository.CommunityWithMembers
	for ci, c := range clusters {
		comm := &models.CardCommunity{
			CardCount:       len(c.cards) + len(c.flex),
			AvgInternalLift: c.avgLift,
		}
		var members []*models.CommunityMembership

		inCluster := make(map[string]bool, len(c.cards))
		for _, card := range c.cards {
			inCluster[card] = true
			members = append(members, &models.CommunityMembership{
				Blueprint:  card,
				Centrality: c.centrality[card],
				Type:       models.MembershipCore,
			})
		}
		flexCards := make([]string, 0, len(c.flex))
		for card := range c.flex {
			flexCards = append(flexCards, card)
		}
		sort.Strings(flexCards)
		for _, card := range flexCards {
			inCluster[card] = true
			members = append(members, &models.CommunityMembership{
				Blueprint:  card,
				Centrality: c.flex[card],
				Type:       models.MembershipFlex,
			})
		}

		if pred := successor[ci]; pred != nil {
			// Inherit identity and curation; Custom memberships are
			// never touched by regeneration.
			comm.ID = pred.Community.ID
			comm.Name = pred.Community.Name
			comm.IsValid = pred.Community.IsValid
			for _, m := range pred.Members {
				if m.Type == models.MembershipCustom && !inCluster[m.Blueprint] {
					members = append(members, &models.CommunityMembership{
						Blueprint:  m.Blueprint,
						Centrality: m.Centrality,
						Type:       models.MembershipCustom,
					})
				}
			}
		}

		state = append(state, &repository.CommunityWithMembers{Community: comm, Members: members})
	}

	// Exactly one orphan pool per scope: reuse the existing row, never
	// delete it.
	pool := &repository.CommunityWithMembers{
		Community: &models.CardCommunity{IsOrphanPool: true},
	}
	if orphanPool != nil {
		pool.Community.ID = orphanPool.Community.ID
		pool.Community.Name = orphanPool.Community.Name
		pool.Community.IsValid = orphanPool.Community.IsValid
	}
	for _, card := range orphans {
		pool.Members = append(pool.Members, &models.CommunityMembership{
			Blueprint: card,
			Type:      models.MembershipCore,
		})
	}
	if orphanPool != nil {
		inPool := make(map[string]bool, len(orphans))
		for _, card := range orphans {
			inPool[card] = true
		}
		for _, m := range orphanPool.Members {
			if m.Type == models.MembershipCustom && !inPool[m.Blueprint] {
				pool.Members = append(pool.Members, m)
			}
		}
	}
	pool.Community.CardCount = len(pool.Members)
	state = append(state, pool)

	return state, carried
}
