package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.log")

	l := newLogger(true, path)
	l.Info("chunk uploaded")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"chunk uploaded"`)
}

func TestWithSession(t *testing.T) {
	l := WithSession("01HZX")
	require.NotNil(t, l)
	assert.NotSame(t, Get(), l)
}
