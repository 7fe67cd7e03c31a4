package orberrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
)

func TestNew_KindOf(t *testing.T) {
	err := orberrors.New(orberrors.KindValidation, "bad request")
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindValidation, kind)
	assert.Contains(t, err.Error(), "bad request")
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := orberrors.Wrap(orberrors.KindTransportFailure, "dispatch failed", cause)

	assert.ErrorIs(t, err, cause)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindTransportFailure, kind)
}

func TestKindOf_NonOrbitMeshError(t *testing.T) {
	_, ok := orberrors.KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestErrUnknownAgent_MatchesKind(t *testing.T) {
	kind, ok := orberrors.KindOf(orberrors.ErrUnknownAgent)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindUnknownAgent, kind)
}

func TestErrUnknownJob_MatchesKind(t *testing.T) {
	kind, ok := orberrors.KindOf(orberrors.ErrUnknownJob)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindUnknownJob, kind)
}

func TestIs_MatchesByKindNotMessage(t *testing.T) {
	a := orberrors.New(orberrors.KindInvalidState, "cannot assign job in state Assigned")
	b := orberrors.New(orberrors.KindInvalidState, "cannot cancel job in state Completed")

	assert.True(t, errors.Is(a, b), "two orberrors with the same Kind must compare equal via errors.Is")
}

func TestIs_DifferentKindsDoNotMatch(t *testing.T) {
	a := orberrors.New(orberrors.KindInvalidState, "x")
	b := orberrors.New(orberrors.KindTimeout, "y")

	assert.False(t, errors.Is(a, b))
}
