package blobstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_PutGetExists(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	d, err := s.Put([]byte("hello world"))
	require.NoError(t, err)
	require.Len(t, d, 40)

	ok, err := s.Exists(d)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(d)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestStore_PutIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	d1, err := s.Put([]byte("same contents"))
	require.NoError(t, err)
	d2, err := s.Put([]byte("same contents"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestStore_EmptySentinel(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	d, err := s.Put(nil)
	require.NoError(t, err)
	require.Equal(t, EmptySentinel, d)

	ok, err := s.Exists(EmptySentinel)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(EmptySentinel)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStore_GetNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("0000000000000000000000000000000000000a")
	require.Error(t, err)
}
