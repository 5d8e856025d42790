package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

func devices(t *testing.T) map[string]Device {
	t.Helper()
	fd, created, err := OpenFile(filepath.Join(t.TempDir(), "test.db"), true)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { _ = fd.Close() })
	return map[string]Device{
		"file":   fd,
		"memory": NewMemory(),
	}
}

func TestDevice_WriteReadTruncate(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			size, err := dev.FileSize()
			require.NoError(t, err)
			require.Zero(t, size)

			require.NoError(t, dev.Truncate(4096))
			size, err = dev.FileSize()
			require.NoError(t, err)
			require.Equal(t, int64(4096), size)

			require.NoError(t, dev.Write(1024, []byte("hello")))
			buf := make([]byte, 5)
			require.NoError(t, dev.Read(1024, buf))
			require.Equal(t, "hello", string(buf))

			// writing past the end grows the store
			require.NoError(t, dev.Write(8192, []byte{1, 2, 3}))
			size, err = dev.FileSize()
			require.NoError(t, err)
			require.Equal(t, int64(8195), size)

			require.NoError(t, dev.Truncate(2048))
			require.NoError(t, dev.Flush())
			size, err = dev.FileSize()
			require.NoError(t, err)
			require.Equal(t, int64(2048), size)
		})
	}
}

func TestDevice_ShortReadIsIOError(t *testing.T) {
	for name, dev := range devices(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dev.Truncate(100))
			err := dev.Read(50, make([]byte, 100))
			require.ErrorIs(t, err, common.ErrIO)
		})
	}
}

func TestMemoryDevice_TruncateClearsStaleBytes(t *testing.T) {
	dev := NewMemory()
	require.NoError(t, dev.Write(0, []byte{9, 9, 9, 9}))
	require.NoError(t, dev.Truncate(1))
	require.NoError(t, dev.Truncate(4))

	buf := make([]byte, 4)
	require.NoError(t, dev.Read(0, buf))
	require.Equal(t, []byte{9, 0, 0, 0}, buf)
}

func TestOpenFile_MissingWithoutCreate(t *testing.T) {
	_, _, err := OpenFile(filepath.Join(t.TempDir(), "missing.db"), false)
	require.ErrorIs(t, err, common.ErrIO)
}
