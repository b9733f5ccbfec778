package mmds_test

import (
	"testing"

	"github.com/gokvm/microvm/mmds"
	"github.com/stretchr/testify/require"
)

func TestGetBeforePutFails(t *testing.T) {
	t.Parallel()

	s := mmds.New()

	_, err := s.Get()
	require.ErrorIs(t, err, mmds.ErrNotFound)
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	s := mmds.New()

	require.NoError(t, s.Put([]byte(`{"instance-id":"i-1"}`)))

	got, err := s.Get()
	require.NoError(t, err)
	require.JSONEq(t, `{"instance-id":"i-1"}`, string(got))
}

func TestPatchMergesWithoutDroppingOtherKeys(t *testing.T) {
	t.Parallel()

	s := mmds.New()

	require.NoError(t, s.Put([]byte(`{"a":1,"b":2}`)))
	require.NoError(t, s.Patch([]byte(`{"b":3,"c":4}`)))

	got, err := s.Get()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(got))
}

func TestPatchBeforePutFails(t *testing.T) {
	t.Parallel()

	s := mmds.New()

	err := s.Patch([]byte(`{"a":1}`))
	require.ErrorIs(t, err, mmds.ErrNotFound)
}
