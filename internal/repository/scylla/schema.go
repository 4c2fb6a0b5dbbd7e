package scylla

import (
	"context"
	"fmt"
)

// schemaCQL creates the tables used by SubmissionRepository in the
// session keyspace.
var schemaCQL = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
        submission_bucket int,
        date_bucket text,
        id uuid,
        form_name text,
        service_type text,
        project_name text,
        company text,
        student_name text,
        university text,
        email text,
        phone text,
        description text,
        key_features text,
        project_type text,
        tech_stack list<text>,
        integrations text,
        requirements text,
        timeline_phases text,
        deadline timestamp,
        budget text,
        urgency text,
        preferred_timeline text,
        team_size int,
        portfolio_focus boolean,
        is_student boolean,
        submitted_at timestamp,
        status text,
        PRIMARY KEY ((submission_bucket, date_bucket), submitted_at, id)
    ) WITH CLUSTERING ORDER BY (submitted_at DESC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS submissions_by_id (
        id uuid PRIMARY KEY,
        submission_bucket int,
        date_bucket text,
        form_name text,
        submitted_at timestamp
    )`,
}

// EnsureSchema applies schemaCQL. It is safe to run on every start.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaCQL {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}
