package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCUE(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadDirBasic(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "channel.cue", `
definitions: channel: {
	dimension: "channel"
	versions: [{
		version:   1
		effective: "2024-01-10T00:00:00Z"
		values: ["x", "y"]
	}, {
		version:   2
		effective: "2024-03-01T00:00:00Z"
		values: ["x", "y", "z"]
		catchAll: {required: true, bucket: "other"}
	}]
}
`)

	archive, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"channel"}, archive.IDs())

	ctx := context.Background()
	stamps, err := archive.Versions(ctx, "channel")
	require.NoError(t, err)
	require.Len(t, stamps, 2)
	assert.Equal(t, 1, stamps[0].Version)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), stamps[0].EffectiveAt)
	assert.Equal(t, 2, stamps[1].Version)

	v2, err := archive.Definition(ctx, "channel", 2)
	require.NoError(t, err)
	assert.Equal(t, "channel", v2.Dimension)
	assert.Equal(t, []string{"x", "y", "z"}, v2.Values)
	assert.True(t, v2.CatchAll.Required)
	assert.Equal(t, "other", v2.CatchAll.Bucket)

	v1, err := archive.Definition(ctx, "channel", 1)
	require.NoError(t, err)
	assert.False(t, v1.CatchAll.Required)
	assert.Empty(t, v1.CatchAll.Bucket)
}

func TestLoadDirMultipleFilesUnify(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "channel.cue", `
definitions: channel: {
	dimension: "channel"
	versions: [{
		version:   1
		effective: "2024-01-10T00:00:00Z"
		values: ["x", "y"]
	}]
}
`)
	writeCUE(t, dir, "region.cue", `
definitions: region: {
	dimension: "region"
	versions: [{
		version:   1
		effective: "2024-02-01T00:00:00Z"
		values: ["na", "eu", "apac"]
	}]
}
`)

	archive, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"channel", "region"}, archive.IDs())
}

func TestLoadDirMissingDimension(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "bad.cue", `
definitions: channel: {
	versions: [{
		version:   1
		effective: "2024-01-10T00:00:00Z"
		values: ["x"]
	}]
}
`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension is required")
	assert.Contains(t, err.Error(), "definitions.channel")
}

func TestLoadDirBadEffectiveTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "bad.cue", `
definitions: channel: {
	dimension: "channel"
	versions: [{
		version:   1
		effective: "January 10th"
		values: ["x"]
	}]
}
`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC 3339")

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "definitions.channel.versions[0].effective", loadErr.Path)
	assert.True(t, loadErr.Pos.IsValid())
}

func TestLoadDirRejectsInvalidHistory(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "bad.cue", `
definitions: channel: {
	dimension: "channel"
	versions: [{
		version:   1
		effective: "2024-03-01T00:00:00Z"
		values: ["x"]
	}, {
		version:   2
		effective: "2024-01-10T00:00:00Z"
		values: ["x", "y"]
	}]
}
`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "earlier than")
}

func TestLoadDirRejectsMalformedCUE(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "broken.cue", `definitions: channel: { dimension: `)

	_, err := LoadDir(dir)
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestLoadDirNoDefinitionsStruct(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "empty.cue", `other: 1`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitions struct is required")
}

func TestLoadDirEmptyDirectory(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files")
}

func TestLoadDirMissingDirectory(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitions directory")
}
