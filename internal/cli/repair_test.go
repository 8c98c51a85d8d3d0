package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/strata/internal/store"
)

func TestRepairDryRunLeavesRowsAlone(t *testing.T) {
	hash := hashFor(t, "activation")
	x := windowSlice(t, map[string]string{"channel": "x"})
	db := seedDB(t,
		snap("app-1", hash, x, "2024-03-01", cliBase, 10),
		snap("app-1", hash, x, "2024-03-02", cliBase.Add(3*time.Second), 11),
	)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Database: db}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "dry run: nothing written")
	assert.Contains(t, buf.String(), "1 rewrites")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	rows, err := st.QueryRaw(context.Background(), store.RawQuery{
		Members:  refsFor("app-1", hash),
		NotAfter: cliBase.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, cliBase.Add(3*time.Second).UnixMilli(), rows[1].RetrievedAt.UnixMilli())
}

func TestRepairApplyRewritesStamps(t *testing.T) {
	hash := hashFor(t, "activation")
	x := windowSlice(t, map[string]string{"channel": "x"})
	db := seedDB(t,
		snap("app-1", hash, x, "2024-03-01", cliBase, 10),
		snap("app-1", hash, x, "2024-03-02", cliBase.Add(3*time.Second), 11),
	)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Database: db}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--apply"})
	require.NoError(t, cmd.Execute())

	assert.NotContains(t, buf.String(), "dry run")
	assert.Contains(t, buf.String(), "applied: 1 rewrites")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	rows, err := st.QueryRaw(context.Background(), store.RawQuery{
		Members:  refsFor("app-1", hash),
		NotAfter: cliBase.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, cliBase.UnixMilli(), row.RetrievedAt.UnixMilli())
	}
}

func TestRepairCollisionFailsWithEvidence(t *testing.T) {
	hash := hashFor(t, "activation")
	x := windowSlice(t, map[string]string{"channel": "x"})
	db := seedDB(t,
		snap("app-1", hash, x, "2024-03-01", cliBase, 10),
		snap("app-1", hash, x, "2024-03-01", cliBase.Add(3*time.Second), 99),
	)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Database: db}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--apply"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "ambiguous duplicates")
	assert.Contains(t, buf.String(), "ABORTED app-1")
	assert.Contains(t, buf.String(), "fingerprint")
}

func TestRepairScopeBySubject(t *testing.T) {
	hash := hashFor(t, "activation")
	x := windowSlice(t, map[string]string{"channel": "x"})
	db := seedDB(t,
		snap("app-1", hash, x, "2024-03-01", cliBase, 10),
		snap("app-1", hash, x, "2024-03-02", cliBase.Add(3*time.Second), 11),
		snap("other-9", hash, x, "2024-03-01", cliBase, 10),
		snap("other-9", hash, x, "2024-03-02", cliBase.Add(3*time.Second), 11),
	)
	rootOpts := &RootOptions{Format: "text", Database: db}

	buf := &bytes.Buffer{}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--subject-prefix", "app-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "app-1:")
	assert.NotContains(t, buf.String(), "other-9")
}

func TestRepairSubjectFlagsAreExclusive(t *testing.T) {
	db := seedDB(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Database: db}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--subject", "app-1", "--subject-prefix", "app-"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRepairJSONEnvelope(t *testing.T) {
	hash := hashFor(t, "activation")
	x := windowSlice(t, map[string]string{"channel": "x"})
	db := seedDB(t,
		snap("app-1", hash, x, "2024-03-01", cliBase, 10),
		snap("app-1", hash, x, "2024-03-02", cliBase.Add(3*time.Second), 11),
	)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json", Database: db}
	cmd := NewRepairCommand(rootOpts, config1mWindow())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	data := decodeEnvelope(t, buf.Bytes())
	assert.Equal(t, false, data["applied"])
	assert.Equal(t, float64(1), data["rewrites"])
}
