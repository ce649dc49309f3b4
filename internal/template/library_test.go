package template

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/models"
)

func testAvatar(niche string) *models.Avatar {
	return &models.Avatar{
		ID:           uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Niche:        niche,
		TriggerToken: "sks_person",
	}
}

func TestNewLibraryRejectsBadCatalogs(t *testing.T) {
	_, err := NewLibrary(nil)
	assert.Error(t, err)

	_, err = NewLibrary([]Template{{ID: "", Tier: models.TierT1}})
	assert.Error(t, err)

	_, err = NewLibrary([]Template{{ID: "a", Tier: models.Tier("T9")}})
	assert.Error(t, err)

	_, err = NewLibrary([]Template{
		{ID: "dup", Tier: models.TierT1},
		{ID: "dup", Tier: models.TierT2},
	})
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	tpl := Template{Text: "{trigger_token}, exploring {niche} spots"}
	got := tpl.Render(testAvatar("travel"))
	assert.Equal(t, "sks_person, exploring travel spots", got)
}

func TestListFilters(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	all := lib.List(Filter{})
	assert.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	tier := models.TierT3
	filtered := lib.List(Filter{Niche: "fitness", Tier: &tier})
	assert.NotEmpty(t, filtered)
	for _, tpl := range filtered {
		assert.Equal(t, "fitness", tpl.Niche)
		assert.Equal(t, models.TierT3, tpl.Tier)
	}
}

func TestSelectHonorsTierMix(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	mix := models.TierMix{models.TierT1: 0.5, models.TierT2: 0.3, models.TierT3: 0.2}
	selected := lib.Select(testAvatar("fitness"), mix, 10, 42)
	require.Len(t, selected, 10)

	counts := map[models.Tier]int{}
	for _, tpl := range selected {
		counts[tpl.Tier]++
	}
	assert.Equal(t, 5, counts[models.TierT1])
	assert.Equal(t, 3, counts[models.TierT2])
	assert.Equal(t, 2, counts[models.TierT3])
}

func TestSelectIsDeterministic(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	mix := models.TierMix{models.TierT1: 0.6, models.TierT2: 0.4}
	avatar := testAvatar("travel")

	first := lib.Select(avatar, mix, 8, 1234)
	second := lib.Select(avatar, mix, 8, 1234)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "position %d", i)
	}
}

func TestSelectVariesWithSeed(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	mix := models.TierMix{models.TierT1: 1.0}
	avatar := testAvatar("travel")

	ids := func(ts []Template) []string {
		out := make([]string, len(ts))
		for i, tpl := range ts {
			out[i] = tpl.ID
		}
		return out
	}

	// With a large enough k the rotation offset shows up in the ordering for
	// at least one of several seeds.
	base := ids(lib.Select(avatar, mix, 6, 0))
	varied := false
	for seed := int64(1); seed <= 10; seed++ {
		if !assert.ObjectsAreEqual(base, ids(lib.Select(avatar, mix, 6, seed))) {
			varied = true
			break
		}
	}
	assert.True(t, varied)
}

func TestSelectPrefersNiche(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	mix := models.TierMix{models.TierT1: 1.0}
	selected := lib.Select(testAvatar("fitness"), mix, 2, 7)
	require.Len(t, selected, 2)
	for _, tpl := range selected {
		assert.Equal(t, "fitness", tpl.Niche)
		assert.Equal(t, models.TierT1, tpl.Tier)
	}
}

func TestSelectWrapsSmallPools(t *testing.T) {
	lib, err := NewLibrary([]Template{
		{ID: "only-one", Niche: "fitness", Tier: models.TierT1, Text: "x"},
	})
	require.NoError(t, err)

	selected := lib.Select(testAvatar("fitness"), models.TierMix{models.TierT1: 1.0}, 5, 1)
	require.Len(t, selected, 5)
	for _, tpl := range selected {
		assert.Equal(t, "only-one", tpl.ID)
	}
}

func TestSelectionCache(t *testing.T) {
	lib, err := NewLibrary(Builtin())
	require.NoError(t, err)

	mix := models.TierMix{models.TierT1: 1.0}
	avatar := testAvatar("fashion")

	lib.Select(avatar, mix, 4, 99)
	lib.Select(avatar, mix, 4, 99)
	lib.Select(avatar, mix, 4, 100) // different seed, different key

	stats := lib.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
}
