package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("measurement,value\nlatency,42\n")
	hash, err := s.Put(content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	size, ok := s.Stat(hash)
	assert.True(t, ok)
	assert.Equal(t, int64(len(content)), size)
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	h1, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	h2, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestGetUnknownHash(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorContains(t, err, "not found")

	_, err = s.Get("xy")
	assert.Error(t, err)

	_, ok := s.Stat("xy")
	assert.False(t, ok)
}

func TestBlobsFanOutByHashPrefix(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	require.NoError(t, err)

	hash, err := s.Put([]byte("fan out"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, hash[0:2], hash[2:4], hash))
	assert.NoError(t, err, "blob lives under aa/bb/<hash>")
}

func TestNewStoreRequiresDir(t *testing.T) {
	_, err := NewStore("")
	assert.Error(t, err)
}
