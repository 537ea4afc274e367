package archetype

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
)

// clique wires every pair of cards with the given weight.
func clique(g *Graph, weight float64, cards ...string) {
	for i, a := range cards {
		for _, b := range cards[i+1:] {
			g.AddEdge(a, b, weight)
		}
	}
}

func TestLouvainSeparatesCliques(t *testing.T) {
	g := NewGraph()
	clique(g, 3.0, "a1", "a2", "a3", "a4")
	clique(g, 3.0, "b1", "b2", "b3", "b4")
	// One weak bridge between the cliques.
	g.AddEdge("a1", "b1", 0.1)

	communities := Louvain(g, LouvainOptions{Seed: 1})
	require.Len(t, communities, 2)

	byFirst := make(map[string][]string)
	for _, c := range communities {
		byFirst[c[0]] = c
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, byFirst["a1"])
	assert.Equal(t, []string{"b1", "b2", "b3", "b4"}, byFirst["b1"])
}

func TestLouvainDeterministic(t *testing.T) {
	build := func() *Graph {
		g := NewGraph()
		clique(g, 2.5, "a1", "a2", "a3", "a4", "a5")
		clique(g, 2.0, "b1", "b2", "b3", "b4")
		clique(g, 4.0, "c1", "c2", "c3")
		g.AddEdge("a1", "b1", 0.3)
		g.AddEdge("b2", "c1", 0.2)
		return g
	}

	first := Louvain(build(), LouvainOptions{Seed: 42})
	for i := 0; i < 5; i++ {
		again := Louvain(build(), LouvainOptions{Seed: 42})
		require.Equal(t, first, again, "run %d differed", i)
	}
}

func TestLouvainEdgelessGraph(t *testing.T) {
	g := NewGraph()
	assert.Empty(t, Louvain(g, LouvainOptions{Seed: 1}))
}

func TestLouvainSingleCommunity(t *testing.T) {
	g := NewGraph()
	clique(g, 2.0, "x", "y", "z")

	communities := Louvain(g, LouvainOptions{Seed: 7})
	require.Len(t, communities, 1)
	assert.Equal(t, []string{"x", "y", "z"}, communities[0])
}

func TestLouvainCoversAllNodes(t *testing.T) {
	g := NewGraph()
	clique(g, 2.0, "a1", "a2", "a3")
	clique(g, 2.0, "b1", "b2", "b3")
	g.AddEdge("lone1", "lone2", 1.5)

	communities := Louvain(g, LouvainOptions{Seed: 3})

	seen := make(map[string]int)
	for _, c := range communities {
		for _, card := range c {
			seen[card]++
		}
	}
	assert.Len(t, seen, g.Order(), "every node appears exactly once")
	for card, n := range seen {
		assert.Equal(t, 1, n, "card %s assigned %d times", card, n)
	}
}

func TestBuildGraphFromCorrelations(t *testing.T) {
	rows := []*models.CardCorrelation{
		{CardA: "1_1", CardB: "1_2", Lift: 2.5},
		{CardA: "1_1", CardB: "1_3", Lift: 1.8},
	}
	g := BuildGraph(rows)

	assert.Equal(t, 3, g.Order())
	assert.True(t, g.HasEdge("1_1", "1_2"))
	assert.True(t, g.HasEdge("1_2", "1_1"))
	assert.False(t, g.HasEdge("1_2", "1_3"))
	assert.InDelta(t, 2.5, g.Weight("1_1", "1_2"), 1e-9)
	assert.Equal(t, []string{"1_2", "1_3"}, g.Neighbors("1_1"))
}

func TestLouvainIndependentOfRowOrder(t *testing.T) {
	// Circulant graph with uniform weights: many equal-gain moves, so
	// any dependence on node numbering shows up as a different
	// partition. The same rows in any order must cluster identically.
	name := func(i int) string { return fmt.Sprintf("c%02d", ((i % 30) + 30) % 30) }
	var rows []*models.CardCorrelation
	for i := 0; i < 30; i++ {
		rows = append(rows,
			&models.CardCorrelation{CardA: name(i), CardB: name(i + 1), Lift: 2.0},
			&models.CardCorrelation{CardA: name(i), CardB: name(i + 6), Lift: 2.0},
		)
	}

	base := Louvain(BuildGraph(rows), LouvainOptions{Seed: 42})
	require.NotEmpty(t, base)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(rows), func(a, b int) { rows[a], rows[b] = rows[b], rows[a] })
		again := Louvain(BuildGraph(rows), LouvainOptions{Seed: 42})
		require.Equal(t, base, again, "shuffle %d changed the partition", i)
	}
}

func TestLouvainScales(t *testing.T) {
	// Ten well-separated cliques must come back as ten communities.
	g := NewGraph()
	for c := 0; c < 10; c++ {
		cards := make([]string, 6)
		for i := range cards {
			cards[i] = fmt.Sprintf("c%d_%d", c, i)
		}
		clique(g, 3.0, cards...)
		if c > 0 {
			g.AddEdge(fmt.Sprintf("c%d_0", c-1), fmt.Sprintf("c%d_0", c), 0.05)
		}
	}

	communities := Louvain(g, LouvainOptions{Seed: 11})
	assert.Len(t, communities, 10)
}
