package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("VARIANTFORGE_DB_PATH", filepath.Join(dir, "db", "vf.db"))
	t.Setenv("VARIANTFORGE_WORKSPACE_DIR", filepath.Join(dir, "ws"))
	path := filepath.Join(dir, "config.toml")

	out, err := execute(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = execute(t, "config", "init", "--path", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[pipeline]")
	assert.Contains(t, out, filepath.Join(dir, "ws"))
}

func TestRunRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("VARIANTFORGE_CONFIG", filepath.Join(dir, "missing.toml"))

	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "manifest")
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, domain.RunSummary{
		JobsCompleted:   4,
		JobsFailed:      1,
		VariantsCreated: 12,
		Failures: []domain.FailedJob{
			{FrameName: "3_c", Stage: domain.StageGeneratingVariants, Kind: domain.ErrorKindStage, Reason: "no variants"},
		},
	})

	text := out.String()
	assert.Contains(t, text, "Completed")
	assert.Contains(t, text, "3_c")
	assert.Contains(t, text, "generating_variants")
	assert.Equal(t, 2, strings.Count(text, "╭"))
}
