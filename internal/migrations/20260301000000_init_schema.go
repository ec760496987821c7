package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Levelup666/AuditWiz/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000000, down_20260301000000)
}

type tableSpec struct {
	name        string
	model       any
	foreignKeys []string
	indexes     []string
}

var schema = []tableSpec{
	{
		name:  "studies",
		model: (*models.Study)(nil),
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_studies_owner ON studies(owner_id)`,
		},
	},
	{
		name:        "study_members",
		model:       (*models.StudyMember)(nil),
		foreignKeys: []string{`(study_id) REFERENCES studies(id)`},
		indexes: []string{
			// at most one active membership per (study, user)
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_study_members_active ON study_members(study_id, user_id) WHERE revoked_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_study_members_user ON study_members(user_id)`,
		},
	},
	{
		name:  "records",
		model: (*models.Record)(nil),
		foreignKeys: []string{
			`(study_id) REFERENCES studies(id)`,
			`(previous_version_id) REFERENCES records(id)`,
		},
		indexes: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_chain_version ON records(study_id, record_number, version)`,
			// a parent version has at most one successor
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_previous_version ON records(previous_version_id)`,
			`CREATE INDEX IF NOT EXISTS idx_records_status ON records(status)`,
		},
	},
	{
		name:        "documents",
		model:       (*models.Document)(nil),
		foreignKeys: []string{`(record_id) REFERENCES records(id)`},
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_documents_record ON documents(record_id)`,
		},
	},
	{
		name:        "signatures",
		model:       (*models.Signature)(nil),
		foreignKeys: []string{`(record_id) REFERENCES records(id)`},
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_signatures_record_version ON signatures(record_id, record_version)`,
		},
	},
	{
		name:  "audit_events",
		model: (*models.AuditEvent)(nil),
		indexes: []string{
			// conditional-append guard: one event per chain position
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_target_sequence ON audit_events(target_entity_type, target_entity_id, sequence)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_study_ts ON audit_events(study_id, "timestamp")`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events("timestamp", id)`,
		},
	},
	{
		name:        "blockchain_anchors",
		model:       (*models.BlockchainAnchor)(nil),
		foreignKeys: []string{`(record_id) REFERENCES records(id)`},
		indexes: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_blockchain_anchors_record_version ON blockchain_anchors(record_id, record_version)`,
		},
	},
}

// up_20260301000000 creates the provenance schema
func up_20260301000000(ctx context.Context, db *bun.DB) error {
	for _, table := range schema {
		fmt.Printf(" [up] creating %s table...", table.name)
		q := db.NewCreateTable().Model(table.model).IfNotExists()
		for _, fk := range table.foreignKeys {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
		for _, stmt := range table.indexes {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", table.name, err)
			}
		}
		fmt.Println(" OK")
	}

	if IsPostgreSQL(db) {
		// ledger rows are append-only even for direct SQL access
		fmt.Print(" [up] installing audit_events append-only trigger...")
		if _, err := db.ExecContext(ctx, `
			CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'audit_events is append-only';
			END;
			$$ LANGUAGE plpgsql`); err != nil {
			return fmt.Errorf("failed to create append-only function: %w", err)
		}
		if _, err := db.ExecContext(ctx, `
			CREATE TRIGGER audit_events_no_mutation
			BEFORE UPDATE OR DELETE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION audit_events_append_only()`); err != nil {
			return fmt.Errorf("failed to create append-only trigger: %w", err)
		}
		fmt.Println(" OK")
	}

	return nil
}

// down_20260301000000 drops all tables
func down_20260301000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping all tables...")

	if IsPostgreSQL(db) {
		if _, err := db.ExecContext(ctx, `DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events`); err != nil {
			return fmt.Errorf("failed to drop append-only trigger: %w", err)
		}
		if _, err := db.ExecContext(ctx, `DROP FUNCTION IF EXISTS audit_events_append_only()`); err != nil {
			return fmt.Errorf("failed to drop append-only function: %w", err)
		}
	}

	for i := len(schema) - 1; i >= 0; i-- {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", schema[i].name)
		if IsPostgreSQL(db) {
			stmt += " CASCADE"
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop %s: %w", schema[i].name, err)
		}
	}

	fmt.Println(" OK")
	return nil
}
