package definition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		ID:          "channel",
		Dimension:   "channel",
		Version:     1,
		EffectiveAt: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Values:      []string{"x", "y"},
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := validDefinition()
	require.NoError(t, def.Validate())

	def.CatchAll = CatchAllPolicy{Required: true, Bucket: "other"}
	require.NoError(t, def.Validate())
}

func TestDefinitionValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:    "empty id",
			mutate:  func(d *Definition) { d.ID = "" },
			wantErr: "empty id",
		},
		{
			name:    "empty dimension",
			mutate:  func(d *Definition) { d.Dimension = "" },
			wantErr: "empty dimension",
		},
		{
			name:    "zero version",
			mutate:  func(d *Definition) { d.Version = 0 },
			wantErr: "want >= 1",
		},
		{
			name:    "negative version",
			mutate:  func(d *Definition) { d.Version = -3 },
			wantErr: "want >= 1",
		},
		{
			name:    "zero effective time",
			mutate:  func(d *Definition) { d.EffectiveAt = time.Time{} },
			wantErr: "zero effective time",
		},
		{
			name:    "no values",
			mutate:  func(d *Definition) { d.Values = nil },
			wantErr: "enumerates no values",
		},
		{
			name:    "empty value",
			mutate:  func(d *Definition) { d.Values = []string{"x", ""} },
			wantErr: "empty value",
		},
		{
			name:    "duplicate value",
			mutate:  func(d *Definition) { d.Values = []string{"x", "y", "x"} },
			wantErr: `lists value "x" twice`,
		},
		{
			name:    "required catch-all without bucket",
			mutate:  func(d *Definition) { d.CatchAll = CatchAllPolicy{Required: true} },
			wantErr: "names no bucket",
		},
		{
			name: "catch-all bucket collides with value",
			mutate: func(d *Definition) {
				d.CatchAll = CatchAllPolicy{Required: true, Bucket: "y"}
			},
			wantErr: "collides with an enumerated value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefinitionHasValue(t *testing.T) {
	def := validDefinition()
	assert.True(t, def.HasValue("x"))
	assert.True(t, def.HasValue("y"))
	assert.False(t, def.HasValue("z"))
	assert.False(t, def.HasValue(""))

	// The catch-all bucket is not an enumerated value.
	def.CatchAll = CatchAllPolicy{Required: true, Bucket: "other"}
	assert.False(t, def.HasValue("other"))
}

func TestValidateHistoryOrdering(t *testing.T) {
	v1 := validDefinition()
	v2 := validDefinition()
	v2.Version = 2
	v2.EffectiveAt = v1.EffectiveAt.Add(24 * time.Hour)
	v2.Values = []string{"x", "y", "z"}

	require.NoError(t, validateHistory("channel", []Definition{v1, v2}))

	// Order of the input slice does not matter.
	require.NoError(t, validateHistory("channel", []Definition{v2, v1}))
}

func TestValidateHistoryRejectsDuplicateVersion(t *testing.T) {
	v1 := validDefinition()
	dup := validDefinition()
	dup.Values = []string{"x", "y", "z"}

	err := validateHistory("channel", []Definition{v1, dup})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate version 1")
}

func TestValidateHistoryRejectsDecreasingEffective(t *testing.T) {
	v1 := validDefinition()
	v2 := validDefinition()
	v2.Version = 2
	v2.EffectiveAt = v1.EffectiveAt.Add(-time.Hour)

	err := validateHistory("channel", []Definition{v1, v2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "earlier than")
}

func TestValidateHistoryAllowsEqualEffective(t *testing.T) {
	// Two versions may take effect at the same instant; the higher version
	// wins at resolution time.
	v1 := validDefinition()
	v2 := validDefinition()
	v2.Version = 2
	v2.Values = []string{"x", "y", "z"}

	require.NoError(t, validateHistory("channel", []Definition{v1, v2}))
}

func TestValidateHistoryRejectsDimensionChange(t *testing.T) {
	v1 := validDefinition()
	v2 := validDefinition()
	v2.Version = 2
	v2.EffectiveAt = v1.EffectiveAt.Add(time.Hour)
	v2.Dimension = "region"

	err := validateHistory("channel", []Definition{v1, v2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changes dimension")
}

func TestValidateHistoryRejectsMislabeledVersion(t *testing.T) {
	v1 := validDefinition()
	stray := validDefinition()
	stray.ID = "region"
	stray.Version = 2
	stray.EffectiveAt = v1.EffectiveAt.Add(time.Hour)

	err := validateHistory("channel", []Definition{v1, stray})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `labeled "region"`)
}

func TestValidateHistoryEmpty(t *testing.T) {
	err := validateHistory("channel", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no versions")
}

func TestDefinitionString(t *testing.T) {
	def := validDefinition()
	assert.Equal(t, "channel v1 (dimension channel: x,y)", def.String())
}
