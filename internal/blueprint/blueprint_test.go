package blueprint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/blueprint"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func writeAgentFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirParsesYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "coder.yaml", `
type: autonomous
description: writes code
command: ["claude", "--prompt", "${params.prompt}"]
`)
	writeAgentFile(t, dir, "notes.txt", "not a blueprint")

	blueprints, err := blueprint.LoadDir(dir, v1.BlueprintSourceFile, nil)
	require.NoError(t, err)
	require.Len(t, blueprints, 1)
	assert.Equal(t, "coder", blueprints[0].Name)
	assert.Equal(t, v1.BlueprintAutonomous, blueprints[0].Type)
	assert.Equal(t, v1.BlueprintSourceFile, blueprints[0].Source)
}

func TestLoadDirReportsBadFileViaCallback(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "broken.yaml", "{ not: valid: yaml")

	var failedFile string
	_, err := blueprint.LoadDir(dir, v1.BlueprintSourceFile, func(file string, err error) {
		failedFile = file
	})
	require.NoError(t, err)
	assert.Equal(t, "broken.yaml", failedFile)
}

func TestLoadDirMissingDirectoryErrors(t *testing.T) {
	_, err := blueprint.LoadDir(filepath.Join(t.TempDir(), "nope"), v1.BlueprintSourceFile, nil)
	require.Error(t, err)
}

func newTestRegistry(t *testing.T, dir string) *blueprint.Registry {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(ctx, db)
	require.NoError(t, err)

	return blueprint.New(st, logger.Default(), dir, blueprint.DefaultRescanInterval)
}

func TestRescanUpsertsBlueprintsAndGetAppliesImplicitSchema(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "autonomous_agent.yaml", `
type: autonomous
command: ["claude"]
`)
	reg := newTestRegistry(t, dir)
	ctx := context.Background()

	require.NoError(t, reg.Rescan(ctx))

	bp, err := reg.Get(ctx, "autonomous_agent")
	require.NoError(t, err)
	assert.Equal(t, v1.ImplicitAutonomousSchema, bp.ParametersSchema)
}

func TestGetUnknownBlueprintNotFound(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	_, err := reg.Get(context.Background(), "missing")
	require.Error(t, err)
}
