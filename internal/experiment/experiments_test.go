package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheExperiment_WarmsAcrossRuns(t *testing.T) {
	spec := testSpec()
	e := NewLocalCacheExperiment(spec, 20, 1, 32)
	results := (Runner{}).Run(e)
	require.Len(t, results, 20)

	hits := 0
	for _, r := range results {
		hits += int(r.HitRate() * float64(len(r.Queries)))
	}
	assert.Greater(t, hits, 0, "repeatedly querying the full extent should eventually hit")
}

func TestPuzzleExperiment_ProducesPuzzleHits(t *testing.T) {
	spec := testSpec()
	e := NewPuzzleExperiment(spec, 3, 1.0/4, 16)
	results := (Runner{}).Run(e)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Len(t, r.Queries, 1)
		assert.Equal(t, OutcomePuzzleHit, r.Queries[0].Outcome)
	}
}

func TestQueryBatchingExperiment_OneComputeServesWholeBurst(t *testing.T) {
	spec := testSpec()
	e := NewQueryBatchingExperiment(spec, 2, 5)
	results := (Runner{}).Run(e)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.Queries, 5)
		for _, q := range r.Queries {
			assert.Equal(t, OutcomeSingleHit, q.Outcome)
		}
	}
}

func TestStrategyExperiment_OneRunPerStrategy(t *testing.T) {
	spec := testSpec()
	e := NewStrategyExperiment(spec, 8)
	results := (Runner{}).Run(e)
	assert.Len(t, results, 3)
}

func TestRelevanceExperiment_OneRunPerFunc(t *testing.T) {
	spec := testSpec()
	e := NewRelevanceExperiment(spec, 8)
	results := (Runner{}).Run(e)
	assert.Len(t, results, 2)
}

func TestReorgExperiment_ReportsMovesAlongsideQueries(t *testing.T) {
	spec := testSpec()
	e := NewReorgExperiment(spec, 2)
	results := (Runner{}).Run(e)
	require.Len(t, results, 2)
	for _, r := range results {
		last := r.Queries[len(r.Queries)-1]
		assert.Equal(t, "__reorg_moves__", last.SemanticID)
	}
}
