package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/db/models"
	"github.com/Levelup666/AuditWiz/internal/repository"
)

// SeedStudy inserts an active study owned by ownerID.
func SeedStudy(t testing.TB, store repository.Store, ownerID string) *models.Study {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	study := &models.Study{
		ID:        bunx.NewUUIDv7(),
		Title:     "Phase II trial",
		Status:    models.StudyStatusActive,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Studies().Create(context.Background(), study))
	return study
}

// Grant gives userID an active role in the study.
func Grant(t testing.TB, store repository.Store, studyID, userID string, role models.Role) {
	t.Helper()
	require.NoError(t, store.Members().Grant(context.Background(), &models.StudyMember{
		ID:        bunx.NewUUIDv7(),
		StudyID:   studyID,
		UserID:    userID,
		Role:      role,
		GrantedBy: "seed",
		GrantedAt: time.Now().UTC().Truncate(time.Microsecond),
	}))
}
