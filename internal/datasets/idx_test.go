package datasets

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vulcan/internal/domain"
)

func writeIDX(t *testing.T, path string, dims []uint32, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, idxUbyte, byte(len(dims))})
	for _, d := range dims {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, d))
	}
	buf.Write(payload)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestLoadIDX(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "images-idx3-ubyte")
	labels := filepath.Join(dir, "labels-idx1-ubyte")
	writeIDX(t, images, []uint32{2, 2, 3}, []byte{0, 255, 51, 0, 0, 0, 255, 255, 255, 255, 255, 255})
	writeIDX(t, labels, []uint32{2}, []byte{7, 3})

	ds, err := LoadIDX(images, labels)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []int{1, 2, 3}, ds.Shape())

	ex := ds.Example(0)
	assert.InDeltaSlice(t, []float32{0, 1, 0.2, 0, 0, 0}, ex.Inputs[0].Data, 1e-6)
	assert.Equal(t, []float32{7}, ex.Target)
	assert.Equal(t, []float32{3}, ds.Example(1).Target)

	unlabelled, err := LoadIDX(images, "")
	require.NoError(t, err)
	assert.False(t, unlabelled.HasTargets())
}

func TestLoadIDXErrors(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	writeIDX(t, images, []uint32{2, 2, 2}, make([]byte, 8))

	_, err := LoadIDX(filepath.Join(dir, "missing"), "")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte{0, 0, 0x0d, 1, 0, 0, 0, 1}, 0o600))
	_, err = LoadIDX(bad, "")
	assert.True(t, domain.IsKind(err, domain.KindInvalidConfig))

	short := filepath.Join(dir, "short")
	writeIDX(t, short, []uint32{2, 2, 2}, make([]byte, 5))
	_, err = LoadIDX(short, "")
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))

	flat := filepath.Join(dir, "flat")
	writeIDX(t, flat, []uint32{4}, make([]byte, 4))
	_, err = LoadIDX(flat, "")
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))

	labels := filepath.Join(dir, "labels")
	writeIDX(t, labels, []uint32{3}, []byte{1, 2, 3})
	_, err = LoadIDX(images, labels)
	assert.True(t, domain.IsKind(err, domain.KindShapeMismatch))
}
