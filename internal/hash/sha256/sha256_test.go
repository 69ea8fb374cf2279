package sha256

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHash(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloWorld, got)

	streamed, err := h.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, streamed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestHasherHashReaderError(t *testing.T) {
	t.Parallel()

	_, err := New().HashReader(failingReader{})
	require.ErrorContains(t, err, "disk gone")
}
