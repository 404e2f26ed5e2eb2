package sync

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/memory"
)

// conflicted returns an engine whose name field is in conflict: local
// "Local" against remote "Remote" at version 1.
func conflicted(t *testing.T) (*device, *EntityEngine) {
	t.Helper()
	server := memory.NewServer()
	d := newDevice(t, server, conflict.PolicyManual)
	e := d.open("pet-1")

	server.Write("pet-1", models.FieldPetName, val("Remote"))
	require.NoError(t, e.EditField(context.Background(), models.FieldPetName, val("Local")))
	waitStatus(t, e, models.FieldPetName, models.StatusConflict)
	require.Len(t, e.Conflicts(), 1)
	return d, e
}

// TestResolveConflicts_keepLocal verifies keeping the local value pushes it
// over the remote version.
func TestResolveConflicts_keepLocal(t *testing.T) {
	d, e := conflicted(t)

	err := e.ResolveConflicts(context.Background(), []conflict.Resolution{
		{Field: models.FieldPetName, Choice: conflict.ChoiceKeepLocal},
	})
	require.NoError(t, err)
	assert.Empty(t, e.Conflicts())

	st := waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	assertValue(t, "Local", st.Value)
	remote, _ := d.server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Local", remote.Value)
	assert.Equal(t, remote.Version, st.RemoteVersion)
	assert.Greater(t, remote.Version, int64(1))
}

// TestResolveConflicts_keepRemote verifies keeping the remote value drops
// the local edit without pushing.
func TestResolveConflicts_keepRemote(t *testing.T) {
	d, e := conflicted(t)
	pushesBefore := d.client.PushCount("pet-1", models.FieldPetName)

	err := e.ResolveConflicts(context.Background(), []conflict.Resolution{
		{Field: models.FieldPetName, Choice: conflict.ChoiceKeepRemote},
	})
	require.NoError(t, err)

	st, _ := e.Field(models.FieldPetName)
	assert.Equal(t, models.StatusSynced, st.Status)
	assertValue(t, "Remote", st.Value)
	assert.Equal(t, int64(1), st.RemoteVersion)
	assert.Empty(t, e.PendingChanges())
	assert.Equal(t, pushesBefore, d.client.PushCount("pet-1", models.FieldPetName))
}

// TestResolveConflicts_useValue verifies a merged value is pushed.
func TestResolveConflicts_useValue(t *testing.T) {
	d, e := conflicted(t)

	err := e.ResolveConflicts(context.Background(), []conflict.Resolution{
		{Field: models.FieldPetName, Choice: conflict.ChoiceUseValue, Value: val("Merged")},
	})
	require.NoError(t, err)

	st := waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	assertValue(t, "Merged", st.Value)
	remote, _ := d.server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Merged", remote.Value)
}

// TestResolveConflicts_validation verifies an invalid list is rejected as a
// whole and changes nothing.
func TestResolveConflicts_validation(t *testing.T) {
	_, e := conflicted(t)
	ctx := context.Background()

	tests := []struct {
		name string
		res  []conflict.Resolution
		code apperrors.ErrorCode
	}{
		{
			name: "unknown choice",
			res:  []conflict.Resolution{{Field: models.FieldPetName, Choice: "flip"}},
			code: apperrors.ErrInvalid,
		},
		{
			name: "use value without value",
			res:  []conflict.Resolution{{Field: models.FieldPetName, Choice: conflict.ChoiceUseValue}},
			code: apperrors.ErrInvalid,
		},
		{
			name: "duplicate field",
			res: []conflict.Resolution{
				{Field: models.FieldPetName, Choice: conflict.ChoiceKeepLocal},
				{Field: models.FieldPetName, Choice: conflict.ChoiceKeepRemote},
			},
			code: apperrors.ErrInvalid,
		},
		{
			name: "field not in conflict",
			res: []conflict.Resolution{
				{Field: models.FieldPetName, Choice: conflict.ChoiceKeepLocal},
				{Field: models.FieldBreed, Choice: conflict.ChoiceKeepLocal},
			},
			code: apperrors.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ResolveConflicts(ctx, tt.res)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
			assert.Len(t, e.Conflicts(), 1)
			assert.Equal(t, models.StatusConflict, fieldStatus(e, models.FieldPetName))
		})
	}

	err := e.ResolveConflicts(ctx, []conflict.Resolution{{Field: models.FieldBreed, Choice: conflict.ChoiceKeepLocal}})
	assert.True(t, stderrors.Is(err, conflict.ErrNoConflict))
}

// TestResolveConflicts_editWhileConflicted verifies a new local edit keeps
// the field in conflict and becomes the local side.
func TestResolveConflicts_editWhileConflicted(t *testing.T) {
	d, e := conflicted(t)
	ctx := context.Background()

	require.NoError(t, e.EditField(ctx, models.FieldPetName, val("Local 2")))
	assert.Equal(t, models.StatusConflict, fieldStatus(e, models.FieldPetName))
	c := e.Conflicts()[0]
	assertValue(t, "Local 2", c.LocalValue)

	require.NoError(t, e.ResolveConflicts(ctx, []conflict.Resolution{
		{Field: models.FieldPetName, Choice: conflict.ChoiceKeepLocal},
	}))
	waitStatus(t, e, models.FieldPetName, models.StatusSynced)
	remote, _ := d.server.Field("pet-1", models.FieldPetName)
	assertValue(t, "Local 2", remote.Value)
}
