package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesShareFiles(t *testing.T) {
	dir := t.TempDir()
	analysisDir := filepath.Join(dir, "Heartbeat-Demo-1")
	require.NoError(t, os.MkdirAll(analysisDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "model_shares0.txt"), []byte("1 2\n3 4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "biases_shares0.txt"), []byte("5 6\n"), 0o644))

	w, err := Load(dir, "Heartbeat-Demo-1", 0)
	require.NoError(t, err)
	require.Len(t, w.Shares, 2)
	require.Len(t, w.Biases, 1)
	require.Equal(t, uint64(1), w.Shares[0][0])
	require.Equal(t, uint64(6), w.Biases[0][1])
}

func TestLoadSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	analysisDir := filepath.Join(dir, "Heartbeat-Demo-1")
	require.NoError(t, os.MkdirAll(analysisDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "model_shares1.txt"), []byte("1 2\n\n3 4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "biases_shares1.txt"), []byte("0 0\n"), 0o644))

	w, err := Load(dir, "Heartbeat-Demo-1", 1)
	require.NoError(t, err)
	require.Len(t, w.Shares, 2)
}

func TestLoadFailsOnMalformedLine(t *testing.T) {
	dir := t.TempDir()
	analysisDir := filepath.Join(dir, "Heartbeat-Demo-1")
	require.NoError(t, os.MkdirAll(analysisDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "model_shares0.txt"), []byte("1 2 3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(analysisDir, "biases_shares0.txt"), []byte("0 0\n"), 0o644))

	_, err := Load(dir, "Heartbeat-Demo-1", 0)
	require.Error(t, err)
}
