package archetype

import (
	"math/rand"
	"sort"
)

// LouvainOptions tunes community detection.
type LouvainOptions struct {
	// Resolution controls granularity: higher yields more, smaller
	// communities. 1.0 is classic modularity.
	Resolution float64
	// Seed fixes the node visiting order; detection is deterministic
	// for a fixed seed and input.
	Seed int64
	// MaxPasses bounds the outer aggregation loop. 0 means 20.
	MaxPasses int
}

// Louvain partitions the graph into communities by weighted modularity
// maximization (local moving + graph aggregation). Returns the member
// blueprints of each community; singleton nodes stay in their own
// community. Output order is deterministic: communities sorted by their
// smallest member.
func Louvain(g *Graph, opts LouvainOptions) [][]string {
	n := g.Order()
	if n == 0 {
		return nil
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 1.0
	}
	maxPasses := opts.MaxPasses
	if maxPasses <= 0 {
		maxPasses = 20
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	// Working graph in flat form; nodes carry the sets of original
	// node indices they aggregate.
	adj := make([]map[int]float64, n)
	for i := range adj {
		adj[i] = make(map[int]float64, len(g.adj[i]))
		for j, w := range g.adj[i] {
			adj[i][j] = w
		}
	}
	carriers := make([][]int, n)
	for i := range carriers {
		carriers[i] = []int{i}
	}

	m2 := 2 * g.total // sum of degrees
	if m2 == 0 {
		// No edges: everything is a singleton.
		out := make([][]string, n)
		for i, card := range g.cards {
			out[i] = []string{card}
		}
		sortCommunities(out)
		return out
	}

	for pass := 0; pass < maxPasses; pass++ {
		community, improved := localMove(adj, m2, opts.Resolution, rng)
		if !improved && pass > 0 {
			break
		}

		adj, carriers = aggregate(adj, carriers, community)
		if !improved {
			break
		}
	}

	out := make([][]string, len(carriers))
	for i, members := range carriers {
		cards := make([]string, len(members))
		for j, idx := range members {
			cards[j] = g.cards[idx]
		}
		sort.Strings(cards)
		out[i] = cards
	}
	sortCommunities(out)
	return out
}

func sortCommunities(communities [][]string) {
	sort.Slice(communities, func(i, j int) bool {
		return communities[i][0] < communities[j][0]
	})
}

// localMove runs the first Louvain phase: repeatedly move nodes to the
// neighboring community with the highest modularity gain until no move
// improves.
func localMove(adj []map[int]float64, m2, resolution float64, rng *rand.Rand) ([]int, bool) {
	n := len(adj)
	community := make([]int, n)
	degree := make([]float64, n)
	commDegree := make([]float64, n)
	for i := range adj {
		community[i] = i
		for _, w := range adj[i] {
			degree[i] += w
		}
		commDegree[i] = degree[i]
	}

	order := rng.Perm(n)
	improved := false

	for changed := true; changed; {
		changed = false
		for _, node := range order {
			current := community[node]

			// Weight from node to each neighboring community. The
			// node's own self-loop moves with it, so it cancels out
			// of every gain comparison and is skipped.
			links := make(map[int]float64)
			for neighbor, w := range adj[node] {
				if neighbor == node {
					continue
				}
				links[community[neighbor]] += w
			}

			commDegree[current] -= degree[node]

			best := current
			bestGain := links[current] - resolution*commDegree[current]*degree[node]/m2
			// Deterministic candidate order.
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				if c == current {
					continue
				}
				gain := links[c] - resolution*commDegree[c]*degree[node]/m2
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			community[node] = best
			commDegree[best] += degree[node]
			if best != current {
				changed = true
				improved = true
			}
		}
	}

	return community, improved
}

// aggregate runs the second Louvain phase: communities become nodes of
// a smaller graph, intra-community weight collapses into the node.
func aggregate(adj []map[int]float64, carriers [][]int, community []int) ([]map[int]float64, [][]int) {
	// Renumber communities densely, ordered for determinism.
	ids := make([]int, 0)
	seen := make(map[int]bool)
	for _, c := range community {
		if !seen[c] {
			seen[c] = true
			ids = append(ids, c)
		}
	}
	sort.Ints(ids)
	renumber := make(map[int]int, len(ids))
	for i, c := range ids {
		renumber[c] = i
	}

	newAdj := make([]map[int]float64, len(ids))
	newCarriers := make([][]int, len(ids))
	for i := range newAdj {
		newAdj[i] = make(map[int]float64)
	}
	for node, members := range carriers {
		c := renumber[community[node]]
		newCarriers[c] = append(newCarriers[c], members...)
	}
	// Each undirected edge is stored once per direction, so the sums
	// below keep that convention; intra-community weight collapses
	// into a self-loop that preserves node degree across passes.
	for node, edges := range adj {
		a := renumber[community[node]]
		for neighbor, w := range edges {
			b := renumber[community[neighbor]]
			newAdj[a][b] += w
		}
	}
	for i := range newCarriers {
		sort.Ints(newCarriers[i])
	}
	return newAdj, newCarriers
}
