package project

import (
	"context"
	"fmt"
	"testing"
	"time"

	"grouper_server/adapter/out/persistence"
	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHints []domain.NameVariation

func (h staticHints) NameVariations(context.Context, uuid.UUID) ([]domain.NameVariation, error) {
	return h, nil
}

func newService(t *testing.T) (*Service, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	return NewService(store, confidence.NewDefaultPolicy(), nil, Config{}), store
}

func entity(id, name, addr string, conf float64, jobs ...string) *domain.EntityRecord {
	r := &domain.EntityRecord{
		EmailID:     id,
		ThreadID:    "t-" + id,
		ProjectName: domain.StringPtr(name),
		JobNumbers:  jobs,
		Confidence:  conf,
	}
	if addr != "" {
		r.Address = &domain.Address{FullAddress: addr}
	}
	return r
}

func seedProject(t *testing.T, store *persistence.MemoryStore, user uuid.UUID, name, addr string, last *time.Time, jobs ...string) *domain.Project {
	t.Helper()
	p := &domain.Project{
		ProjectID:   domain.NewProjectID(user),
		UserID:      user,
		ProjectName: name,
		Address:     domain.Address{FullAddress: addr},
		JobNumbers:  jobs,
		Status:      domain.ProjectActive,
		LastEmailAt: last,
	}
	require.NoError(t, store.Create(context.Background(), p))
	return p
}

func threshold(v float64) *float64 { return &v }

func TestDetectCreatesLowConfidenceProjectForReview(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()

	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:     user,
		Record:     entity("e1", "Smith Kitchen", "", 0.55),
		AutoCreate: true,
		Threshold:  threshold(0.7),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Project)
	assert.True(t, res.Project.NeedsReview)
	assert.Equal(t, "Smith Kitchen", res.Project.ProjectName)
	assert.Equal(t, "e1", res.Project.CreatedFromEmailID)
	assert.Equal(t, domain.ProjectActive, res.Project.Status)
	assert.InDelta(t, 0.55, res.Project.ConfidenceScore, 1e-9)
	assert.Contains(t, res.Project.ProjectID, "proj_"+user.String()+"_")
	assert.Equal(t, 1, res.Project.EmailCount)

	n, err := store.CountActiveMappings(context.Background(), user, res.Project.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDetectRejectsBelowThreshold(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	seedProject(t, store, user, "Smith Kitchen", "123 Oak St, Richmond", nil)

	// partial name + partial address = 0.6
	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:    user,
		Record:    entity("e1", "Smith Kitchen Reno", "123 Oak St", 0.9),
		Threshold: threshold(0.7),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Nil(t, res.Project)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)

	mappings, err := store.ActiveMappings(context.Background(), user, "e1")
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestDetectWithoutNameIsRejectedEvenWithAutoCreate(t *testing.T) {
	svc, _ := newService(t)

	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:     uuid.New(),
		Record:     entity("e1", "", "9 Elm Rd", 0.9),
		AutoCreate: true,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
}

func TestDetectIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	in := DetectInput{UserID: user, Record: entity("e1", "Smith Kitchen", "123 Oak St", 0.9), AutoCreate: true}

	first, err := svc.DetectProjectForEmail(context.Background(), in)
	require.NoError(t, err)
	second, err := svc.DetectProjectForEmail(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.Project.ProjectID, second.Project.ProjectID)
	mappings, err := store.ActiveMappings(context.Background(), user, "e1")
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
	assert.Equal(t, 1, second.Project.EmailCount)

	projects, err := store.ListActive(context.Background(), user)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestDetectMatchesAndGrowsJobNumbers(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	p := seedProject(t, store, user, "Smith Kitchen", "123 Oak St", nil, "J-1")

	// exact name + exact address + job = 1.0 (capped)
	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID: user,
		Record: entity("e1", "Smith Kitchen", "123 OAK ST", 0.9, "j-1", "J-2"),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMatched, res.Outcome)
	assert.Equal(t, p.ProjectID, res.Project.ProjectID)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"J-1", "J-2"}, res.Project.JobNumbers)
	assert.ElementsMatch(t, []string{ReasonExactName, ReasonExactAddress, ReasonJobNumber}, res.Reasons)
}

func TestDetectLearnsAliasOnStrongMatch(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	p := seedProject(t, store, user, "Oak Street Renovation", "12 Oak St", nil, "J-7")

	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:    user,
		Record:    entity("e1", "Kitchen upgrade", "12 Oak St", 0.9, "J-7"),
		Threshold: threshold(0.7),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMatched, res.Outcome)
	assert.Equal(t, p.ProjectID, res.Project.ProjectID)
	assert.Equal(t, []string{"Kitchen upgrade"}, res.Project.NameAliases)
}

func TestDetectTieBreaksOnRecency(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	seedProject(t, store, user, "Dormant", "123 Oak St", &old)
	live := seedProject(t, store, user, "Live", "123 Oak St", &recent)

	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:    user,
		Record:    entity("e1", "", "123 Oak St", 0.9),
		Threshold: threshold(0.4),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMatched, res.Outcome)
	assert.Equal(t, live.ProjectID, res.Project.ProjectID)
}

func TestDetectUsesLearnedNameVariations(t *testing.T) {
	tests := []struct {
		name    string
		hints   staticHints
		outcome domain.MatchOutcome
	}{
		{name: "without hints", outcome: domain.OutcomeRejected},
		{
			name:    "with learned variation",
			hints:   staticHints{{Original: "Oak Reno", Corrected: "Oak Street Renovation"}},
			outcome: domain.OutcomeMatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newService(t)
			if tt.hints != nil {
				svc.SetHints(tt.hints)
			}
			user := uuid.New()
			seedProject(t, store, user, "Oak Street Renovation", "12 Oak St", nil)

			res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
				UserID:    user,
				Record:    entity("e1", "Oak Reno", "12 Oak St", 0.9),
				Threshold: threshold(0.7),
			})

			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
		})
	}
}

func TestMatchBelowManualReviewFlagsProject(t *testing.T) {
	svc, store := newService(t)
	user := uuid.New()
	p := seedProject(t, store, user, "Deck", "7 Pine Ave", nil)

	res, err := svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID:    user,
		Record:    entity("e1", "", "7 Pine Ave", 0.9),
		Threshold: threshold(0.3),
	})
	require.NoError(t, err)
	assert.True(t, res.NeedsReview)

	// A later confident match never clears the flag.
	res, err = svc.DetectProjectForEmail(context.Background(), DetectInput{
		UserID: user,
		Record: entity("e2", "Deck", "7 Pine Ave", 0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, p.ProjectID, res.Project.ProjectID)
	assert.True(t, res.Project.NeedsReview)

	cleared, err := svc.ClearReview(context.Background(), user, p.ProjectID)
	require.NoError(t, err)
	assert.False(t, cleared.NeedsReview)
}

func TestEmailCountMatchesActiveMappings(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	user := uuid.New()
	p := seedProject(t, store, user, "Deck", "7 Pine Ave", nil)

	for i := 0; i < 5; i++ {
		_, err := svc.AssignEmail(ctx, user, p.ProjectID, entity(fmt.Sprintf("e%d", i), "", "", 1), 1, domain.AssociationManual)
		require.NoError(t, err)
	}
	// reassigning is a no-op
	_, err := svc.AssignEmail(ctx, user, p.ProjectID, entity("e0", "", "", 1), 1, domain.AssociationManual)
	require.NoError(t, err)
	require.NoError(t, svc.RemoveEmail(ctx, user, p.ProjectID, "e1"))
	require.NoError(t, svc.RemoveEmail(ctx, user, p.ProjectID, "e3"))

	got, err := svc.GetProject(ctx, user, p.ProjectID)
	require.NoError(t, err)
	n, err := store.CountActiveMappings(ctx, user, p.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, n, got.EmailCount)
}

func TestAddAliasIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	user := uuid.New()
	p := seedProject(t, store, user, "Deck", "", nil)

	added, err := svc.AddAlias(ctx, user, p.ProjectID, "Back Deck")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.AddAlias(ctx, user, p.ProjectID, "  BACK deck ")
	require.NoError(t, err)
	assert.False(t, added)

	got, err := svc.GetProject(ctx, user, p.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Back Deck"}, got.NameAliases)
}

func TestSetStatus(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	user := uuid.New()
	p := seedProject(t, store, user, "Deck", "", nil)

	_, err := svc.SetStatus(ctx, user, p.ProjectID, domain.ProjectArchived)
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, user, p.ProjectID, domain.ProjectCompleted)
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))

	got, err := svc.SetStatus(ctx, user, p.ProjectID, domain.ProjectActive)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectActive, got.Status)

	_, err = svc.SetStatus(ctx, user, p.ProjectID, "deleted")
	assert.Error(t, err)

	_, err = svc.GetProject(ctx, user, "missing")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestResolveGroupUsesPinnedSnapshot(t *testing.T) {
	policy := confidence.NewDefaultPolicy()
	svc := NewService(persistence.NewMemoryStore(), policy, nil, Config{})
	pinned := policy.Snapshot()

	raised := 0.95
	_, err := policy.Update(domain.ThresholdUpdate{ProjectCreation: &raised})
	require.NoError(t, err)

	tests := []struct {
		name            string
		snapshot        *confidence.Snapshot
		wantNeedsReview bool
	}{
		{"pinned batch thresholds", &pinned, false},
		{"current thresholds", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.ResolveGroup(context.Background(), GroupInput{
				UserID:     uuid.New(),
				Record:     entity("", "Deck", "7 Pine Ave", 0.8),
				Confidence: 0.8,
				AutoCreate: true,
				Snapshot:   tt.snapshot,
			})
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeCreated, res.Outcome)
			assert.Equal(t, tt.wantNeedsReview, res.NeedsReview)
		})
	}
}
