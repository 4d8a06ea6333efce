package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setup points configuration at a fresh database with OCR disabled.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("RECEIPTS_OCR_PROVIDER", "none")
	t.Setenv("RECEIPTS_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("RECEIPTS_SYNC_AUTO_MATERIALIZE", "false")
	t.Setenv("RECEIPTS_REMOTE_BASE_URL", "")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var resp struct {
		Status string                 `json:"status"`
		Data   map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	return resp.Data
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "receipt.png")
	data := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{9}, 300)...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"ingest", "materialize", "sync", "pending", "export", "migrate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	userFlag := cmd.PersistentFlags().Lookup("user")
	require.NotNil(t, userFlag)
	assert.Equal(t, "u", userFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	setup(t)
	_, err := run(t, "pending", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestIngestMaterializeExport(t *testing.T) {
	dir := setup(t)
	image := writePNG(t, dir)

	out, err := run(t, "ingest", image, "--user", "u1", "--format", "json")
	require.NoError(t, err)
	data := decodeData(t, out)
	assert.Equal(t, true, data["fallback"])
	receipt := data["receipt"].(map[string]interface{})
	assert.Equal(t, true, receipt["needs_review"])
	assert.NotContains(t, data, "transaction")

	out, err = run(t, "pending", "-u", "u1", "--format", "json")
	require.NoError(t, err)
	data = decodeData(t, out)
	assert.EqualValues(t, 1, data["receipts"])
	assert.EqualValues(t, 0, data["transactions"])

	out, err = run(t, "materialize", "--pending", "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Materialized 1 receipts, 0 failed")

	csvPath := filepath.Join(dir, "ledger.csv")
	_, err = run(t, "export", "transactions", "-u", "u1", "-o", csvPath)
	require.NoError(t, err)
	written, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(written)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,date,amount,kind"))
	assert.Contains(t, lines[1], "0.00")

	out, err = run(t, "export", "receipts", "-u", "u1", "--delimiter", ";")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "receipt_id;date;total_amount"))
}

func TestIngest_MalformedImage(t *testing.T) {
	setup(t)
	_, err := run(t, "ingest", "AAAA")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMaterialize_NeedsTarget(t *testing.T) {
	setup(t)
	_, err := run(t, "materialize")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, "materialize", "missing", "-u", "u1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSync_WithoutRemoteLeavesRecordsPending(t *testing.T) {
	dir := setup(t)
	image := writePNG(t, dir)

	_, err := run(t, "ingest", image, "-u", "u1")
	require.NoError(t, err)

	out, err := run(t, "sync", "--all")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "u1: attempted=1 synced=0 skipped=0 failed=1")

	out, err = run(t, "pending", "-u", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "u1: 1 receipts and 0 transactions pending")
}

func TestExport_RejectsBadArgs(t *testing.T) {
	setup(t)
	_, err := run(t, "export", "budgets")
	assert.Error(t, err)

	_, err = run(t, "export", "receipts", "--delimiter", "ab")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate(t *testing.T) {
	setup(t)
	t.Setenv("RECEIPTS_BIGQUERY_PROJECT_ID", "proj")

	out, err := run(t, "migrate", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS `proj.finance.transactions`")

	out, err = run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema of the local backend is up to date")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
}
