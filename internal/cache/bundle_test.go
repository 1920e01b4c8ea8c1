package cache

import (
	"archive/tar"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTarEntry(t *testing.T, w io.Writer, name string, data []byte) {
	t.Helper()

	tw := tar.NewWriter(w)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
	}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
}
