// Package archetype discovers clusters of cards that are played
// together and reconciles them with human curation.
package archetype

import (
	"sort"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// Graph is an undirected weighted card graph. Nodes are blueprints,
// edges are correlations weighted by lift.
type Graph struct {
	cards   []string
	indexOf map[string]int
	adj     []map[int]float64
	total   float64
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{indexOf: make(map[string]int)}
}

// BuildGraph constructs a graph from stored correlation rows. Rows are
// sorted first so node indices, and with them the seeded partition, do
// not depend on the order rows arrive.
func BuildGraph(rows []*models.CardCorrelation) *Graph {
	sorted := make([]*models.CardCorrelation, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CardA != sorted[j].CardA {
			return sorted[i].CardA < sorted[j].CardA
		}
		return sorted[i].CardB < sorted[j].CardB
	})

	g := NewGraph()
	for _, row := range sorted {
		g.AddEdge(row.CardA, row.CardB, row.Lift)
	}
	return g
}

func (g *Graph) node(card string) int {
	if i, ok := g.indexOf[card]; ok {
		return i
	}
	i := len(g.cards)
	g.indexOf[card] = i
	g.cards = append(g.cards, card)
	g.adj = append(g.adj, make(map[int]float64))
	return i
}

// AddEdge adds an undirected weighted edge. Self-loops and repeated
// edges are ignored.
func (g *Graph) AddEdge(a, b string, weight float64) {
	if a == b {
		return
	}
	ia, ib := g.node(a), g.node(b)
	if _, ok := g.adj[ia][ib]; ok {
		return
	}
	g.adj[ia][ib] = weight
	g.adj[ib][ia] = weight
	g.total += weight
}

// Order returns the number of nodes.
func (g *Graph) Order() int {
	return len(g.cards)
}

// Cards returns all node blueprints in insertion order.
func (g *Graph) Cards() []string {
	return g.cards
}

// HasEdge reports whether two cards are directly connected.
func (g *Graph) HasEdge(a, b string) bool {
	ia, ok := g.indexOf[a]
	if !ok {
		return false
	}
	ib, ok := g.indexOf[b]
	if !ok {
		return false
	}
	_, ok = g.adj[ia][ib]
	return ok
}

// Weight returns the edge weight between two cards, 0 if absent.
func (g *Graph) Weight(a, b string) float64 {
	ia, ok := g.indexOf[a]
	if !ok {
		return 0
	}
	ib, ok := g.indexOf[b]
	if !ok {
		return 0
	}
	return g.adj[ia][ib]
}

// Neighbors returns the cards adjacent to a card, sorted for
// determinism.
func (g *Graph) Neighbors(card string) []string {
	i, ok := g.indexOf[card]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.adj[i]))
	for j := range g.adj[i] {
		out = append(out, g.cards[j])
	}
	sort.Strings(out)
	return out
}
