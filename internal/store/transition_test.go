package store

import (
	"testing"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusProcessing, true},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusPending, models.JobStatusCompleted, false},
		{models.JobStatusProcessing, models.JobStatusCompleted, true},
		{models.JobStatusProcessing, models.JobStatusFailed, true},
		{models.JobStatusProcessing, models.JobStatusCancelled, true},
		{models.JobStatusProcessing, models.JobStatusPending, true},
		{models.JobStatusCompleted, models.JobStatusPending, false},
		{models.JobStatusFailed, models.JobStatusProcessing, false},
		{models.JobStatusCancelled, models.JobStatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://localhost/db", migrateURL("postgresql://localhost/db"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}
