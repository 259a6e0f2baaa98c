package pairing

import (
	"testing"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGroup_AppendsRecord(t *testing.T) {
	r := New(nil)

	rec := r.CreateGroup([]types.SubjectId{"a", "b"}, "scene-1", "group-a")

	assert.Equal(t, types.SceneId("scene-1"), rec.SceneId)
	assert.Equal(t, types.GroupKey("group-a"), rec.GroupKey)
	assert.Equal(t, []types.SubjectId{"a", "b"}, rec.Members)
}

func TestGetLastGroupFor_ReturnsFalseWhenAbsent(t *testing.T) {
	r := New(nil)
	_, ok := r.GetLastGroupFor("a", "scene-1")
	assert.False(t, ok)
}

func TestGetLastGroupFor_ReturnsMostRecent(t *testing.T) {
	r := New(nil)

	r.CreateGroup([]types.SubjectId{"a", "b"}, "scene-1", "group-1")
	r.CreateGroup([]types.SubjectId{"a", "c"}, "scene-1", "group-2")

	rec, ok := r.GetLastGroupFor("a", "scene-1")
	require.True(t, ok)
	assert.Equal(t, types.GroupKey("group-2"), rec.GroupKey)
	assert.Equal(t, []types.SubjectId{"a", "c"}, rec.Members)
}

func TestGetLastGroupFor_ScopedPerScene(t *testing.T) {
	r := New(nil)

	r.CreateGroup([]types.SubjectId{"a", "b"}, "scene-1", "group-1")

	_, ok := r.GetLastGroupFor("a", "scene-2")
	assert.False(t, ok)
}

func TestCreateGroup_RecordsAreIsolatedFromCallerSlice(t *testing.T) {
	r := New(nil)

	members := []types.SubjectId{"a", "b"}
	rec := r.CreateGroup(members, "scene-1", "group-1")

	members[0] = "mutated"
	assert.Equal(t, types.SubjectId("a"), rec.Members[0])
}
