package s3transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSink_OutOfOrderWrites(t *testing.T) {
	sink := NewBufferSink()
	sink.OnBody([]byte("world"), 6)
	sink.OnBody([]byte("hello "), 0)

	assert.Equal(t, "hello world", string(sink.Bytes()))
}

func TestRecvFile(t *testing.T) {
	tests := []struct {
		name       string
		failed     bool
		wantExists bool
	}{
		{name: "kept on success", failed: false, wantExists: true},
		{name: "removed on failure", failed: true, wantExists: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.bin")

			f, err := openRecvFile(path)
			require.NoError(t, err)
			require.NoError(t, f.WriteAt([]byte("def"), 3))
			require.NoError(t, f.WriteAt([]byte("abc"), 0))
			require.NoError(t, f.close(tt.failed))

			data, err := os.ReadFile(path)
			if !tt.wantExists {
				assert.True(t, os.IsNotExist(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "abcdef", string(data))
		})
	}
}

func TestOpenSendFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	f, err := openSendFile(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.close()) }()
	assert.Equal(t, int64(7), f.size)

	tests := []struct {
		name string
		path string
	}{
		{name: "missing", path: filepath.Join(dir, "missing.bin")},
		{name: "directory", path: dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openSendFile(tt.path)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "SendFilePath", cfgErr.Field)
		})
	}
}
