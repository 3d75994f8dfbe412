package migrations

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readUp(t *testing.T, version uint) string {
	t.Helper()
	src, err := Source()
	require.NoError(t, err)
	r, _, err := src.ReadUp(version)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(body)
}

func TestSource_Versions(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	_, err = src.Next(next)
	assert.Error(t, err, "no migration after the last one")
}

func TestSource_Schema(t *testing.T) {
	embeddings := readUp(t, 1)
	assert.Contains(t, embeddings, "CREATE EXTENSION IF NOT EXISTS vector")
	assert.Contains(t, embeddings, "UNIQUE (client_id, source_path, source_type, revision)")
	assert.Contains(t, embeddings, "dimensions")

	memberships := readUp(t, 2)
	assert.Contains(t, memberships, "tenant_memberships")
	assert.Contains(t, memberships, "revoked_at")
	assert.Contains(t, memberships, "platform_admins")
}

func TestUp_RequiresDSN(t *testing.T) {
	err := Up(context.Background(), "", zap.NewNop())
	assert.Error(t, err)
}

func TestDown_RejectsNonPositiveSteps(t *testing.T) {
	assert.Error(t, Down(context.Background(), "postgres://unused", 0, nil))
}

func TestUp_Postgres(t *testing.T) {
	dsn := os.Getenv("ESTIMATORD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ESTIMATORD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, Up(ctx, dsn, zap.NewNop()))
	// Second run is a no-op.
	require.NoError(t, Up(ctx, dsn, zap.NewNop()))
}
