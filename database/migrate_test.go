package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationStatus_String(t *testing.T) {
	tests := []struct {
		status   MigrationStatus
		expected string
	}{
		{status: MigrationStatus{}, expected: "no migrations applied"},
		{status: MigrationStatus{Version: 1, Applied: true}, expected: "version 1"},
		{status: MigrationStatus{Version: 1, Dirty: true, Applied: true}, expected: "version 1 (dirty)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.status.String())
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs)
}
