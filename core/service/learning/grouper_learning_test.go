package learning

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"grouper_server/adapter/out/persistence"
	"grouper_server/core/domain"
	"grouper_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDifferences(t *testing.T) {
	client := &domain.ClientInfo{Name: "Jo"}
	tests := []struct {
		name      string
		original  domain.GroupingSnapshot
		corrected domain.GroupingSnapshot
		want      []string
	}{
		{"unchanged", domain.GroupingSnapshot{ProjectName: "Deck"}, domain.GroupingSnapshot{ProjectName: "Deck"}, nil},
		{"renamed", domain.GroupingSnapshot{ProjectName: "Deck"}, domain.GroupingSnapshot{ProjectName: "Back Deck"}, []string{"project_name"}},
		{"address added", domain.GroupingSnapshot{}, domain.GroupingSnapshot{Address: "1 Elm Rd"}, []string{"address"}},
		{"same client", domain.GroupingSnapshot{ClientInfo: client}, domain.GroupingSnapshot{ClientInfo: &domain.ClientInfo{Name: "Jo"}}, nil},
		{"client changed", domain.GroupingSnapshot{ClientInfo: client}, domain.GroupingSnapshot{}, []string{"client_info"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := Differences(tt.original, tt.corrected)
			var keys []string
			for k := range diff {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tt.want, keys)
		})
	}

	diff := Differences(domain.GroupingSnapshot{}, domain.GroupingSnapshot{Address: "1 Elm Rd"})
	assert.Nil(t, diff["address"].Original)
	assert.Equal(t, "1 Elm Rd", diff["address"].Corrected)
}

func TestRecordCorrection(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := NewService(store, nil, Config{})
	user := uuid.New()

	c, err := svc.RecordCorrection(context.Background(), CorrectionInput{
		UserID:    user,
		Type:      domain.CorrectionRename,
		Original:  domain.GroupingSnapshot{ProjectName: "Oak Reno", JobNumbers: []string{"J-1"}},
		Corrected: domain.GroupingSnapshot{ProjectName: "Oak Street Renovation", JobNumbers: []string{"J-1"}},
	})
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, "Oak Reno", c.LearningFeatures.OriginalProjectName)
	assert.Equal(t, "Oak Street Renovation", c.LearningFeatures.CorrectedProjectName)
	assert.Equal(t, []string{"J-1"}, c.LearningFeatures.CorrectedJobNumbers)
	assert.Contains(t, c.LearningFeatures.Differences, "project_name")

	_, err = svc.RecordCorrection(context.Background(), CorrectionInput{UserID: user, Type: "undo"})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInput))
}

func seedCorrections(t *testing.T, svc *Service, user uuid.UUID, typ domain.CorrectionType, n int, from, to string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.RecordCorrection(context.Background(), CorrectionInput{
			UserID:    user,
			Type:      typ,
			Original:  domain.GroupingSnapshot{ProjectName: from, Address: "12 oak st"},
			Corrected: domain.GroupingSnapshot{ProjectName: to, Address: "12 Oak Street"},
		})
		require.NoError(t, err)
	}
}

func TestAnalyzeCorrections(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := NewService(store, nil, Config{})
	user := uuid.New()
	seedCorrections(t, svc, user, domain.CorrectionRename, 4, "Oak Reno", "Oak Street Renovation")
	seedCorrections(t, svc, user, domain.CorrectionMerge, 2, "Deck", "Back Deck")

	a, err := svc.AnalyzeCorrections(context.Background(), user, 0)
	require.NoError(t, err)

	assert.Equal(t, 6, a.TotalCorrections)
	assert.Equal(t, map[domain.CorrectionType]int{domain.CorrectionRename: 4, domain.CorrectionMerge: 2}, a.CorrectionTypes)
	require.Len(t, a.Patterns, 1)
	p := a.Patterns[0]
	assert.Equal(t, string(domain.CorrectionRename), p.Key)
	assert.Equal(t, 4, p.Occurrences)
	assert.Len(t, p.Examples, 3)
	assert.Len(t, a.NameVariations, 6)
	assert.Len(t, a.AddressPatterns, 6)
	assert.Len(t, a.CorrectionIDs, 6)

	// analysis alone processes nothing
	again, err := svc.AnalyzeCorrections(context.Background(), user, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, again.TotalCorrections)
}

func TestAnalyzeHonorsMinimumAndSummaryLimit(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := NewService(store, nil, Config{MinOccurrences: 5, SummaryLimit: 2})
	user := uuid.New()
	seedCorrections(t, svc, user, domain.CorrectionRename, 4, "Oak Reno", "Oak Street Renovation")

	a, err := svc.AnalyzeCorrections(context.Background(), user, 0)
	require.NoError(t, err)
	assert.Empty(t, a.Patterns)
	assert.Len(t, a.NameVariations, 2)
}

func TestLearnPersistsPatternsAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	svc := NewService(store, nil, Config{})
	user := uuid.New()
	seedCorrections(t, svc, user, domain.CorrectionRename, 3, "Oak Reno", "Oak Street Renovation")

	a, err := svc.Learn(ctx, user, 0)
	require.NoError(t, err)
	assert.Len(t, a.Patterns, 1)

	left, err := store.ListUnprocessed(ctx, user, 0)
	require.NoError(t, err)
	assert.Empty(t, left)

	vars, err := svc.NameVariations(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []domain.NameVariation{{Original: "Oak Reno", Corrected: "Oak Street Renovation"}}, vars)

	hints, err := svc.NameHints(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{`"Oak Reno" means "Oak Street Renovation"`}, hints)

	// a second round accumulates occurrences
	seedCorrections(t, svc, user, domain.CorrectionRename, 3, "OSR", "Oak Street Renovation")
	_, err = svc.Learn(ctx, user, 0)
	require.NoError(t, err)

	patterns, err := store.ListPatterns(ctx, user, domain.PatternNameVariation)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 6, patterns[0].Occurrences)
	assert.Equal(t, []string{"Oak Reno", "OSR"}, patterns[0].Variations)

	types, err := store.ListPatterns(ctx, user, domain.PatternCorrectionType)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, 6, types[0].Occurrences)
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	svc := NewService(store, nil, Config{})
	user := uuid.New()
	seedCorrections(t, svc, user, domain.CorrectionSplit, 2, "A", "B")
	a, err := svc.AnalyzeCorrections(ctx, user, 0)
	require.NoError(t, err)

	n, err := svc.MarkProcessed(ctx, user, a.CorrectionIDs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.MarkProcessed(ctx, user, a.CorrectionIDs)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingCache struct {
	mu       sync.Mutex
	patterns map[uuid.UUID][]*domain.LearningPattern
	sets     int32
}

func (c *countingCache) GetPatterns(_ context.Context, userID uuid.UUID) ([]*domain.LearningPattern, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.patterns[userID]
	return p, ok, nil
}

func (c *countingCache) SetPatterns(_ context.Context, userID uuid.UUID, patterns []*domain.LearningPattern) error {
	atomic.AddInt32(&c.sets, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patterns == nil {
		c.patterns = make(map[uuid.UUID][]*domain.LearningPattern)
	}
	c.patterns[userID] = patterns
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.patterns, userID)
	return nil
}

func TestPatternsAreCached(t *testing.T) {
	ctx := context.Background()
	cache := &countingCache{}
	svc := NewService(persistence.NewMemoryStore(), cache, Config{})
	user := uuid.New()
	seedCorrections(t, svc, user, domain.CorrectionRename, 3, "Oak Reno", "Oak Street Renovation")

	_, err := svc.Patterns(ctx, user)
	require.NoError(t, err)
	_, err = svc.Patterns(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cache.sets))

	_, err = svc.Learn(ctx, user, 0)
	require.NoError(t, err)
	vars, err := svc.NameVariations(ctx, user)
	require.NoError(t, err)
	assert.Len(t, vars, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cache.sets))
}

func TestSubmitFeedback(t *testing.T) {
	ctx := context.Background()
	svc := NewService(persistence.NewMemoryStore(), nil, Config{})
	user := uuid.New()
	missing := int64(99)

	tests := []struct {
		name string
		in   FeedbackInput
		code string
	}{
		{"ok", FeedbackInput{UserID: user, FeedbackType: "grouping", Rating: 4}, ""},
		{"no type", FeedbackInput{UserID: user, Rating: 4}, apperr.CodeMissingField},
		{"rating", FeedbackInput{UserID: user, FeedbackType: "grouping", Rating: 9}, apperr.CodeInvalidInput},
		{"unknown correction", FeedbackInput{UserID: user, FeedbackType: "grouping", Rating: 2, CorrectionID: &missing}, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := svc.SubmitFeedback(ctx, tt.in)
			if tt.code == "" {
				require.NoError(t, err)
				assert.NotZero(t, f.ID)
				return
			}
			assert.True(t, apperr.HasCode(err, tt.code), "got %v", err)
		})
	}
}
