package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressString(t *testing.T) {
	tests := []struct {
		name string
		addr *Address
		want string
	}{
		{"nil", nil, ""},
		{"full wins", &Address{FullAddress: " 123 Oak St ", Street: "ignored"}, "123 Oak St"},
		{"composed", &Address{Street: "123 Oak St", Suburb: "Carlton", Postcode: "3053"}, "123 Oak St, Carlton, 3053"},
		{"empty", &Address{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.String())
		})
	}
}

func TestParticipantsAll(t *testing.T) {
	p := Participants{
		From: "Client@X.com",
		To:   []string{"me@home.com", "client@x.com"},
		CC:   []string{" Supplier@Y.com "},
		BCC:  []string{""},
	}
	assert.Equal(t, []string{"client@x.com", "me@home.com", "supplier@y.com"}, p.All())
}

func TestProjectAliases(t *testing.T) {
	p := &Project{ProjectName: "Smith Kitchen"}

	assert.True(t, p.AddAlias("Smith Reno"))
	assert.False(t, p.AddAlias("smith reno"), "duplicate alias must be a no-op")
	assert.False(t, p.AddAlias("  "))
	assert.Equal(t, []string{"Smith Reno"}, p.NameAliases)

	assert.True(t, p.HasName("SMITH KITCHEN"))
	assert.True(t, p.HasName("smith reno"))
	assert.False(t, p.HasName("Jones"))
}

func TestProjectMergeJobNumbers(t *testing.T) {
	p := &Project{JobNumbers: []string{"J-100"}}

	assert.True(t, p.MergeJobNumbers([]string{"j-100", "J-200", ""}))
	assert.False(t, p.MergeJobNumbers([]string{"J-200"}))
	assert.Equal(t, []string{"J-100", "J-200"}, p.JobNumbers)
}

func TestProjectStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ProjectStatus
		want     bool
	}{
		{ProjectActive, ProjectCompleted, true},
		{ProjectActive, ProjectActive, false},
		{ProjectOnHold, ProjectArchived, true},
		{ProjectArchived, ProjectCompleted, false},
		{ProjectArchived, ProjectActive, true},
		{ProjectActive, "deleted", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNewProjectID(t *testing.T) {
	user := uuid.New()
	id := NewProjectID(user)

	require.True(t, strings.HasPrefix(id, "proj_"+user.String()+"_"))
	assert.Len(t, strings.TrimPrefix(id, "proj_"+user.String()+"_"), 12)
	assert.NotEqual(t, id, NewProjectID(user))
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.ManualReview = 1.2
	assert.Error(t, bad.Validate())

	inverted := DefaultThresholds()
	inverted.LowConfidence = 0.7
	assert.Error(t, inverted.Validate())
}

func TestThresholdUpdateApply(t *testing.T) {
	v := 0.8
	got := ThresholdUpdate{ManualReview: &v}.Apply(DefaultThresholds())

	assert.Equal(t, 0.8, got.ManualReview)
	assert.Equal(t, 0.7, got.ProjectCreation)
}

func TestProjectProfile(t *testing.T) {
	p := &Project{
		ProjectName: "Oak Street Reno",
		Address:     Address{FullAddress: "123 Oak St"},
		ClientEmail: "client@x.com",
		JobNumbers:  []string{"J-1"},
	}
	rec := p.Profile()

	assert.Equal(t, "Oak Street Reno", rec.Name())
	assert.Equal(t, "123 oak st", rec.NormalizedAddress())
	assert.Equal(t, "client@x.com", rec.ClientEmail())
	assert.Equal(t, []string{"j-1"}, rec.NormalizedJobNumbers())
}
