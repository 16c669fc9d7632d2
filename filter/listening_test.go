package filter

import (
	"testing"

	"github.com/maxpert/sluice/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenedPlanTypes_Defaults(t *testing.T) {
	types, err := ListenedPlanTypes(meta.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, []string{PlanDataInsert}, types)
}

func TestListenedPlanTypes_InclusionMinusExclusion(t *testing.T) {
	types, err := ListenedPlanTypes(meta.Parameters{
		meta.SourceInclusionKey: "all",
		meta.SourceExclusionKey: "auth, schema.database",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		PlanDataDelete,
		PlanDataInsert,
		"schema.timeseries.ordinary",
		"schema.timeseries.template",
		"schema.timeseries.view",
	}, types)
}

func TestListenedPlanTypes_UnknownOption(t *testing.T) {
	_, err := ListenedPlanTypes(meta.Parameters{meta.ExtractorInclusionKey: "data.upsert"})
	assert.Error(t, err)
}

func TestInsertionDeletionOptions(t *testing.T) {
	tests := []struct {
		inclusion string
		insertion bool
		deletion  bool
	}{
		{"data", true, true},
		{"data.delete", false, true},
		{"schema", false, false},
		{"DATA.INSERT", true, false},
	}

	for _, tc := range tests {
		t.Run(tc.inclusion, func(t *testing.T) {
			ins, del, err := InsertionDeletionOptions(meta.Parameters{meta.ExtractorInclusionKey: tc.inclusion})
			require.NoError(t, err)
			assert.Equal(t, tc.insertion, ins)
			assert.Equal(t, tc.deletion, del)
		})
	}
}

func TestPatternMayOverlapDatabase(t *testing.T) {
	tests := []struct {
		pattern  string
		database string
		want     bool
	}{
		{"root.**", "root.sg1", true},
		{"root.sg1.**", "root.sg1", true},
		{"root.sg1.**", "root.sg2", false},
		{"root.sg*.d1.s1", "root.sg7", true},
		{"root.sg1.d1", "root.sg1", true},
		{"root.sg", "root.sg.inner", false},
		{"root.*.d1", "root.a.b", false},
		{"root.**", "root.a.b", true},
	}

	for _, tc := range tests {
		t.Run(tc.pattern+"~"+tc.database, func(t *testing.T) {
			got, err := PatternMayOverlapDatabase(tc.pattern, tc.database)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestShouldDataRegionBeListened(t *testing.T) {
	ok, err := ShouldDataRegionBeListened(meta.Parameters{meta.SourcePatternKey: "root.sg1.**"}, "root.sg1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ShouldDataRegionBeListened(meta.Parameters{meta.SourcePatternKey: "root.sg1.**"}, "root.sg2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ShouldDataRegionBeListened(meta.Parameters{meta.SourceInclusionKey: "schema"}, "root.sg1")
	require.NoError(t, err)
	assert.False(t, ok, "schema-only pipes never listen to data regions")
}

func TestShouldSchemaRegionBeListened(t *testing.T) {
	ok, err := ShouldSchemaRegionBeListened(meta.Parameters{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ShouldSchemaRegionBeListened(meta.Parameters{meta.SourceInclusionKey: "schema"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ShouldSchemaRegionBeListened(meta.Parameters{meta.SourceInclusionKey: "schema.database"})
	require.NoError(t, err)
	assert.False(t, ok, "database plans are not forwarded by schema regions")
}
