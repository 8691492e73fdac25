package grouping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"grouper_server/adapter/out/persistence"
	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/project"
	"grouper_server/core/service/similarity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, from, name, addr string, jobs ...string) domain.EntityRecord {
	r := domain.EntityRecord{
		EmailID:      id,
		ThreadID:     "t-" + id,
		ProjectName:  domain.StringPtr(name),
		JobNumbers:   jobs,
		Confidence:   0.8,
		Participants: domain.Participants{From: from},
	}
	if addr != "" {
		r.Address = &domain.Address{FullAddress: addr}
	}
	return r
}

func TestPriorityGroupsAddressOutranksName(t *testing.T) {
	groups := PriorityGroups([]domain.EntityRecord{
		rec("e1", "Client@X.com", "Smith Kitchen", "123 Oak St"),
		rec("e2", "supplier@y.com", "Tile order", " 123 oak st "),
	})

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, []string{"e1", "e2"}, g.EmailIDs)
	assert.Equal(t, []string{domain.IndicatorAddress}, g.KeyIndicators)
	assert.Equal(t, 0.9, g.Confidence)
	assert.Equal(t, []string{"client@x.com", "supplier@y.com"}, g.Senders)
	assert.Equal(t, "Smith Kitchen", g.ProjectName)

	refined := HandleEdgeCases(groups, domain.DefaultThresholds())
	require.Len(t, refined, 1)
	assert.Empty(t, refined[0].Flags)
	assert.False(t, refined[0].NeedsReview)
}

func TestPriorityGroupsPassOrder(t *testing.T) {
	lone := rec("e7", "g@x.com", "", "")
	lone.Confidence = 0
	lone.JobNumbers = nil

	groups := PriorityGroups([]domain.EntityRecord{
		rec("e1", "a@x.com", "Deck", "12 Pine Ave", "J-1"),
		rec("e2", "b@x.com", "Fence", "12 Pine Ave"),
		rec("e3", "c@x.com", "Deck", "", "j-1"),
		rec("e4", "d@x.com", "", "", "J-1"),
		rec("e5", "e@x.com", "Garage", ""),
		rec("e6", "f@x.com", "garage", ""),
		lone,
	})

	require.Len(t, groups, 4)
	tests := []struct {
		ids        []string
		indicator  string
		confidence float64
	}{
		{[]string{"e1", "e2"}, domain.IndicatorAddress, 0.9},
		{[]string{"e3", "e4"}, domain.IndicatorJobNumber, 0.8},
		{[]string{"e5", "e6"}, domain.IndicatorProjectName, 0.7},
		{[]string{"e7"}, domain.IndicatorSingle, 0.5},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.ids, groups[i].EmailIDs, "group %d", i)
		assert.Equal(t, []string{tt.indicator}, groups[i].KeyIndicators, "group %d", i)
		assert.Equal(t, tt.confidence, groups[i].Confidence, "group %d", i)
	}
	assert.Equal(t, "j-1", groups[1].JobNumber)
	assert.Equal(t, domain.DefaultProjectName, groups[3].ProjectName)
}

func TestSingletonConfidence(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       float64
	}{
		{"native confidence kept", 0.3, 0.3},
		{"high confidence kept", 0.95, 0.95},
		{"zero counts as unset", 0, defaultSingleConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rec("e1", "a@x.com", "Deck", "")
			r.Confidence = tt.confidence

			groups := PriorityGroups([]domain.EntityRecord{r})
			require.Len(t, groups, 1)
			assert.Equal(t, tt.want, groups[0].Confidence)
			assert.Equal(t, tt.want, singleConfidence(&r))
		})
	}
}

func TestGroupNameFallback(t *testing.T) {
	tests := []struct {
		name    string
		records []domain.EntityRecord
		want    string
	}{
		{"extracted name", []domain.EntityRecord{rec("e1", "", "", "1 Elm Rd"), rec("e2", "", "Elm Reno", "1 Elm Rd")}, "Elm Reno"},
		{"address", []domain.EntityRecord{rec("e1", "", "", "1 Elm Rd"), rec("e2", "", "", "1 Elm Rd")}, "Project at 1 Elm Rd"},
		{"job number", []domain.EntityRecord{rec("e1", "", "", "", "Q-9"), rec("e2", "", "", "", "Q-9")}, "Project Q-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := PriorityGroups(tt.records)
			require.Len(t, groups, 1)
			assert.Equal(t, tt.want, groups[0].ProjectName)
		})
	}
}

func TestHandleEdgeCasesSplitsJobGroupByName(t *testing.T) {
	groups := PriorityGroups([]domain.EntityRecord{
		rec("e1", "", "Deck", "", "J-1"),
		rec("e2", "", "Fence", "", "J-1"),
		rec("e3", "", "deck", "", "J-1"),
	})
	require.Len(t, groups, 1)

	refined := HandleEdgeCases(groups, domain.DefaultThresholds())

	require.Len(t, refined, 2)
	assert.Equal(t, []string{"e1", "e3"}, refined[0].EmailIDs)
	assert.Equal(t, "Deck", refined[0].ProjectName)
	assert.Equal(t, []string{"e2"}, refined[1].EmailIDs)
	for _, g := range refined {
		assert.True(t, g.HasFlag(domain.FlagSplit))
		assert.True(t, g.NeedsReview)
		assert.Equal(t, "J-1", g.JobNumber)
		assert.Equal(t, 0.8, g.Confidence)
	}
}

func TestHandleEdgeCasesSplitIDsAreUnique(t *testing.T) {
	records := make([]domain.EntityRecord, 30)
	for i := range records {
		records[i] = rec(fmt.Sprintf("e%d", i), "", fmt.Sprintf("Part %d", i), "", "J-1")
	}
	groups := PriorityGroups(records)
	require.Len(t, groups, 1)

	refined := HandleEdgeCases(groups, domain.DefaultThresholds())

	require.Len(t, refined, 30)
	seen := make(map[string]bool, len(refined))
	for _, g := range refined {
		assert.False(t, seen[g.GroupID], "duplicate group id %s", g.GroupID)
		seen[g.GroupID] = true
	}
	assert.Equal(t, groups[0].GroupID+"_1", refined[0].GroupID)
	assert.Equal(t, groups[0].GroupID+"_30", refined[29].GroupID)
}

func TestHandleEdgeCasesFlagsLowConfidence(t *testing.T) {
	low := rec("e1", "", "Deck", "")
	low.Confidence = 0.4
	mid := rec("e2", "", "Fence", "")
	mid.Confidence = 0.55

	refined := HandleEdgeCases(PriorityGroups([]domain.EntityRecord{low, mid}), domain.DefaultThresholds())

	require.Len(t, refined, 2)
	assert.True(t, refined[0].HasFlag(domain.FlagLowConfidence))
	assert.True(t, refined[0].HasFlag(domain.FlagVeryLowConfidence))
	assert.True(t, refined[0].NeedsReview)
	assert.True(t, refined[1].HasFlag(domain.FlagLowConfidence))
	assert.False(t, refined[1].HasFlag(domain.FlagVeryLowConfidence))
}

type fakeGraph struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (g *fakeGraph) RecordParticipants(_ context.Context, _ uuid.UUID, projectID string, participants []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string][]string)
	}
	g.calls[projectID] = append(g.calls[projectID], participants...)
	return nil
}

func (g *fakeGraph) ProjectsForParticipant(context.Context, uuid.UUID, string) ([]string, error) {
	return nil, nil
}

func newTestService(graph *fakeGraph, ex BatchExtractor, cmp Comparer) (*Service, *persistence.MemoryStore) {
	store := persistence.NewMemoryStore()
	policy := confidence.NewDefaultPolicy()
	deps := Deps{
		Matcher:   project.NewService(store, policy, nil, project.Config{}),
		Policy:    policy,
		Extractor: ex,
		Comparer:  cmp,
	}
	if graph != nil {
		deps.Graph = graph
	}
	return NewService(deps), store
}

func TestGroupBatchCreatesProjectForMultiSenderGroup(t *testing.T) {
	graph := &fakeGraph{}
	svc, store := newTestService(graph, nil, nil)
	ctx := context.Background()
	user := uuid.New()

	res, err := svc.GroupBatch(ctx, user, []domain.EntityRecord{
		rec("e1", "client@x.com", "Smith Kitchen", "123 Oak St"),
		rec("e2", "supplier@y.com", "Tile order", "123 Oak St"),
	}, DefaultOptions())

	require.NoError(t, err)
	require.Len(t, res.ProjectGroups, 1)
	assert.Empty(t, res.UnmatchedEmails)
	g := res.ProjectGroups[0]
	assert.Equal(t, domain.OutcomeCreated, g.Outcome)
	require.NotEmpty(t, g.ProjectID)

	p, err := store.GetByProjectID(ctx, user, g.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "Smith Kitchen", p.ProjectName)
	assert.Equal(t, 2, p.EmailCount)

	mappings, err := store.ActiveMappings(ctx, user, "e2")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, domain.AssociationMultiSender, mappings[0].AssociationMethod)
	assert.Equal(t, 0.9, mappings[0].Confidence)

	assert.ElementsMatch(t, []string{"client@x.com", "supplier@y.com"}, graph.calls[g.ProjectID])
}

func TestGroupBatchFindsExistingProjectByAddress(t *testing.T) {
	svc, store := newTestService(nil, nil, nil)
	ctx := context.Background()
	user := uuid.New()
	existing := &domain.Project{
		ProjectID:   "p1",
		UserID:      user,
		ProjectName: "Deck",
		Address:     domain.Address{FullAddress: "123 Oak St"},
		Status:      domain.ProjectActive,
	}
	require.NoError(t, store.Create(ctx, existing))

	opts := DefaultOptions()
	opts.AutoCreate = false
	res, err := svc.GroupBatch(ctx, user, []domain.EntityRecord{
		rec("e1", "a@x.com", "Smith Kitchen", "123 Oak St"),
		rec("e2", "b@x.com", "", "123 oak st"),
	}, opts)

	require.NoError(t, err)
	require.Len(t, res.ProjectGroups, 1)
	assert.Equal(t, "p1", res.ProjectGroups[0].ProjectID)
	assert.Equal(t, domain.OutcomeMatched, res.ProjectGroups[0].Outcome)

	n, err := store.CountActiveMappings(ctx, user, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGroupBatchUnmatched(t *testing.T) {
	svc, _ := newTestService(nil, nil, nil)
	empty := domain.EntityRecord{EmailID: "e9", Confidence: 0.3}

	tests := []struct {
		name string
		opts Options
	}{
		{"multi sender", Options{HandleMultiSender: true}},
		{"one at a time", Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.GroupBatch(context.Background(), uuid.New(), []domain.EntityRecord{
				rec("e1", "a@x.com", "Deck", ""),
				empty,
			}, tt.opts)

			require.NoError(t, err)
			assert.Equal(t, []domain.UnmatchedEmail{
				{EmailID: "e1", Reason: ReasonNoMatch},
				{EmailID: "e9", Reason: ReasonNoIdentifiers},
			}, sortedUnmatched(res.UnmatchedEmails))
		})
	}
}

func sortedUnmatched(list []domain.UnmatchedEmail) []domain.UnmatchedEmail {
	out := append([]domain.UnmatchedEmail(nil), list...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].EmailID < out[j-1].EmailID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestGroupBatchDryRunLeavesStoreUntouched(t *testing.T) {
	svc, store := newTestService(nil, nil, nil)
	user := uuid.New()
	opts := DefaultOptions()
	opts.DryRun = true

	res, err := svc.GroupBatch(context.Background(), user, []domain.EntityRecord{
		rec("e1", "a@x.com", "Deck", "1 Elm Rd"),
		rec("e2", "b@x.com", "Deck", "1 Elm Rd"),
	}, opts)

	require.NoError(t, err)
	require.Len(t, res.ProjectGroups, 1)
	assert.Empty(t, res.ProjectGroups[0].ProjectID)
	projects, err := store.ListActive(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

type fakeExtractor struct {
	fail string
}

func (f fakeExtractor) ExtractBatch(_ context.Context, _ uuid.UUID, emails []*domain.EmailContent) []extraction.BatchItem {
	items := make([]extraction.BatchItem, len(emails))
	for i, e := range emails {
		if e.ID == f.fail {
			err := &extraction.ExtractionError{EmailID: e.ID, Err: errors.New("bad json")}
			items[i] = extraction.BatchItem{EmailID: e.ID, Err: err, Error: err.Error()}
			continue
		}
		r := rec(e.ID, e.FromEmail, "", "9 Bay Rd")
		items[i] = extraction.BatchItem{EmailID: e.ID, Record: &r, Confidence: r.Confidence}
	}
	return items
}

func TestGroupEmailsReportsExtractionFailures(t *testing.T) {
	svc, _ := newTestService(nil, fakeExtractor{fail: "e2"}, nil)

	res, err := svc.GroupEmails(context.Background(), uuid.New(), []*domain.EmailContent{
		{ID: "e1", FromEmail: "a@x.com"},
		{ID: "e2", FromEmail: "b@x.com"},
		{ID: "e3", FromEmail: "c@x.com"},
	}, DefaultOptions())

	require.NoError(t, err)
	require.Len(t, res.ProjectGroups, 1)
	assert.Equal(t, []string{"e1", "e3"}, res.ProjectGroups[0].EmailIDs)
	assert.Equal(t, []domain.UnmatchedEmail{{EmailID: "e2", Reason: ReasonExtractionFailed}}, res.UnmatchedEmails)
}

type pairComparer map[[2]string]similarity.Result

func (p pairComparer) Compare(_ context.Context, a, b *domain.EntityRecord, _ []domain.EntityRecord) (*similarity.Result, error) {
	if r, ok := p[[2]string{a.ThreadID, b.ThreadID}]; ok {
		return &r, nil
	}
	if a.ThreadID == "t-err" || b.ThreadID == "t-err" {
		return nil, errors.New("model down")
	}
	return &similarity.Result{}, nil
}

func TestGroupThreads(t *testing.T) {
	cmp := pairComparer{
		{"t-1", "t-2"}: {SameProject: true, Confidence: 0.6},
		{"t-1", "t-3"}: {SameProject: true, Confidence: 0.8},
	}
	svc, _ := newTestService(nil, nil, cmp)

	r1 := rec("e1", "", "Deck", "")
	r1b := rec("e1b", "", "Deck", "")
	r1b.ThreadID = "t-1"
	r1.ThreadID = "t-1"
	r2 := rec("e2", "", "Fence", "")
	r2.ThreadID = "t-2"
	r3 := rec("e3", "", "Deck rails", "")
	r3.ThreadID = "t-3"
	r4 := rec("e4", "", "Pool", "")
	r4.ThreadID = "t-err"
	solo := rec("e5", "", "Shed", "")
	solo.ThreadID = ""

	clusters, err := svc.GroupThreads(context.Background(), []domain.EntityRecord{r1, r2, r1b, r3, r4, solo})

	require.NoError(t, err)
	assert.Equal(t, []ThreadCluster{
		{ThreadIDs: []string{"t-1", "t-3"}, EmailIDs: []string{"e1", "e1b", "e3"}},
		{ThreadIDs: []string{"t-2"}, EmailIDs: []string{"e2"}},
		{ThreadIDs: []string{"t-err"}, EmailIDs: []string{"e4"}},
		{EmailIDs: []string{"e5"}},
	}, clusters)
}
