package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Keep the logger off the filesystem during tests.
	t.Setenv("WARDEN_LOGGER_LOG_FILE", "")

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestPolicyShow_PrintsMergedDefaults(t *testing.T) {
	out, err := executeCommand(t, "policy", "show")
	require.NoError(t, err)

	assert.Contains(t, out, `"block_external_by_default": true`)
	assert.Contains(t, out, "/etc/passwd")
	assert.Contains(t, out, `"spike_threshold": 3`)
}

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 4, "cost": {"spike_threshold": 4}}`), 0o600))

	out, err := executeCommand(t, "policy", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "policy version 4 merges cleanly")

	_, err = executeCommand(t, "policy", "validate", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSignaturesExportThenValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sigs.json")

	_, err := executeCommand(t, "signatures", "export", "-o", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SIG_REVERSE_SHELL")

	// Every exported id is already built in, so nothing imports.
	out, err := executeCommand(t, "signatures", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 signature(s) imported cleanly")
}

func TestSignaturesExport_Stdout(t *testing.T) {
	out, err := executeCommand(t, "signatures", "export", "-o", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "SIG_EXFIL_BASE64")
}
