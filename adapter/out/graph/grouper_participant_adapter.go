package graph

import (
	"context"
	"fmt"
	"strings"

	"grouper_server/core/port/out"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ParticipantAdapter implements out.ParticipantGraph using Neo4j.
//
//	(:Participant {user_id, email})-[:PARTICIPATES_IN {count, last_seen}]->(:Project {user_id, project_id})
type ParticipantAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
}

// NewParticipantAdapter creates a new Neo4j participant adapter.
func NewParticipantAdapter(driver neo4j.DriverWithContext, dbName string) *ParticipantAdapter {
	return &ParticipantAdapter{driver: driver, dbName: dbName}
}

var _ out.ParticipantGraph = (*ParticipantAdapter)(nil)

// EnsureIndexes creates the uniqueness constraints the MERGE queries rely on.
func (a *ParticipantAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT participant_unique IF NOT EXISTS FOR (p:Participant) REQUIRE (p.user_id, p.email) IS UNIQUE`,
		`CREATE CONSTRAINT project_unique IF NOT EXISTS FOR (p:Project) REQUIRE (p.user_id, p.project_id) IS UNIQUE`,
	}
	for _, q := range queries {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("failed to create neo4j constraint: %w", err)
		}
	}
	return nil
}

// RecordParticipants links every participant address to the project,
// counting repeated sightings.
func (a *ParticipantAdapter) RecordParticipants(ctx context.Context, userID uuid.UUID, projectID string, participants []string) error {
	emails := normalizeParticipants(participants)
	if len(emails) == 0 {
		return nil
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: a.dbName,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	query := `
		MERGE (proj:Project {user_id: $userID, project_id: $projectID})
		WITH proj
		UNWIND $emails AS email
		MERGE (p:Participant {user_id: $userID, email: email})
		MERGE (p)-[r:PARTICIPATES_IN]->(proj)
		ON CREATE SET r.count = 1, r.first_seen = timestamp()
		ON MATCH SET r.count = r.count + 1
		SET r.last_seen = timestamp()
	`
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"userID":    userID.String(),
			"projectID": projectID,
			"emails":    emails,
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to record participants: %w", err)
	}
	return nil
}

// ProjectsForParticipant returns the project ids an address takes part in,
// most frequent first.
func (a *ParticipantAdapter) ProjectsForParticipant(ctx context.Context, userID uuid.UUID, participant string) ([]string, error) {
	email := strings.ToLower(strings.TrimSpace(participant))
	if email == "" {
		return nil, nil
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: a.dbName,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	query := `
		MATCH (:Participant {user_id: $userID, email: $email})-[r:PARTICIPATES_IN]->(proj:Project)
		RETURN proj.project_id AS project_id
		ORDER BY r.count DESC, r.last_seen DESC
	`
	ids, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"userID": userID.String(),
			"email":  email,
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			id, _, err := neo4j.GetRecordValue[string](rec, "project_id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query participant projects: %w", err)
	}
	return ids.([]string), nil
}

func normalizeParticipants(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
