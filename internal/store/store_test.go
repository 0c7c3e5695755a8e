package store

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	known, err := Load(filepath.Join(t.TempDir(), "nope.bin"))
	require.NoError(t, err)
	assert.NotNil(t, known)
	assert.Empty(t, known)
}

func TestEnrollThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "embeddings.bin")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Zero(t, s.Len())

	require.NoError(t, s.Enroll("alice", types.Embedding{0, 0, 1}))
	require.NoError(t, s.Enroll("bob", types.Embedding{10, 10, -1.5}))

	known, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.KnownEmbeddings{
		"alice": {0, 0, 1},
		"bob":   {10, 10, -1.5},
	}, known)

	// The in-memory snapshot matches what was persisted.
	assert.Equal(t, known, s.Snapshot())
}

func TestEnroll_ReplacesExisting(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "e.bin"))
	require.NoError(t, err)

	require.NoError(t, s.Enroll("alice", types.Embedding{1, 2}))
	require.NoError(t, s.Enroll("bob", types.Embedding{3, 4}))
	require.NoError(t, s.Enroll("alice", types.Embedding{5, 6}))

	assert.Equal(t, types.Embedding{5, 6}, s.Snapshot()["alice"])
	assert.Equal(t, 2, s.Len())
}

func TestEnroll_Validation(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "e.bin"))
	require.NoError(t, err)
	require.NoError(t, s.Enroll("alice", types.Embedding{1, 2}))

	tests := []struct {
		name   string
		label  string
		vec    types.Embedding
		target error
	}{
		{"empty label", "", types.Embedding{1, 2}, types.ErrInvalidIdentity},
		{"newline in label", "a\nb", types.Embedding{1, 2}, types.ErrInvalidIdentity},
		{"empty vector", "carol", types.Embedding{}, ErrInvalidEmbedding},
		{"NaN", "carol", types.Embedding{math32.NaN(), 1}, ErrInvalidEmbedding},
		{"Inf", "carol", types.Embedding{math32.Inf(1), 1}, ErrInvalidEmbedding},
		{"wrong dimension", "carol", types.Embedding{1, 2, 3}, matcher.ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Enroll(tt.label, tt.vec)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	// Failed enrollments leave the store untouched.
	assert.Equal(t, types.KnownEmbeddings{"alice": {1, 2}}, s.Snapshot())
}

func TestEnroll_SnapshotIsolation(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "e.bin"))
	require.NoError(t, err)
	require.NoError(t, s.Enroll("alice", types.Embedding{1, 2}))

	before := s.Snapshot()
	require.NoError(t, s.Enroll("bob", types.Embedding{3, 4}))

	// A snapshot taken earlier is not affected by later writes.
	assert.Len(t, before, 1)
	assert.Len(t, s.Snapshot(), 2)
}

func TestEnroll_CallerCannotMutateStoredVector(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "e.bin"))
	require.NoError(t, err)

	vec := types.Embedding{1, 2}
	require.NoError(t, s.Enroll("alice", vec))
	vec[0] = 99

	assert.Equal(t, types.Embedding{1, 2}, s.Snapshot()["alice"])
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.bin")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Enroll("alice", types.Embedding{1}))
	require.NoError(t, s.Enroll("bob", types.Embedding{2}))

	require.NoError(t, s.Remove("alice"))
	assert.ErrorIs(t, s.Remove("alice"), ErrUnknownIdentity)

	known, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.KnownEmbeddings{"bob": {2}}, known)
}

func TestConcurrentEnrollAndSnapshot(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "e.bin"))
	require.NoError(t, err)

	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for i, l := range labels {
		wg.Add(2)
		go func(l string, v float32) {
			defer wg.Done()
			assert.NoError(t, s.Enroll(l, types.Embedding{v, v}))
		}(l, float32(i))
		go func() {
			defer wg.Done()
			for _, v := range s.Snapshot() {
				assert.Len(t, v, 2)
			}
		}()
	}
	wg.Wait()

	known, err := Load(s.Path())
	require.NoError(t, err)
	assert.Len(t, known, len(labels))
}

func TestEncode_Deterministic(t *testing.T) {
	known := types.KnownEmbeddings{"zed": {1, 2}, "amy": {3, 4}, "kim": {5, 6}}
	a, err := encode(known)
	require.NoError(t, err)
	b, err := encode(known.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLoad_Corrupt(t *testing.T) {
	valid, err := encode(types.KnownEmbeddings{"alice": {1, 2}, "bob": {3, 4}})
	require.NoError(t, err)

	flipped := append([]byte(nil), valid...)
	flipped[headerLen+3] ^= 0xFF

	badVersion := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(badVersion[len(fileMagic):], 9)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("definitely not an embeddings file")},
		{"empty file", []byte{}},
		{"legacy java serialization", []byte{0xAC, 0xED, 0x00, 0x05, 0x73, 0x72}},
		{"truncated", valid[:len(valid)-7]},
		{"bit flip", flipped},
		{"unsupported version", sealed(badVersion[:len(badVersion)-trailerLen])},
		{"trailing bytes", sealed(append(append([]byte(nil), valid[:len(valid)-trailerLen]...), 0x01))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "embeddings.bin")
			require.NoError(t, os.WriteFile(path, tt.data, 0o600))

			known, err := Load(path)
			assert.Nil(t, known)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptStore), "got %v", err)

			var corrupt *CorruptStoreError
			require.True(t, errors.As(err, &corrupt))
			assert.Equal(t, path, corrupt.Path)

			_, err = Open(path)
			assert.ErrorIs(t, err, ErrCorruptStore)
		})
	}
}

func TestLoad_LegacyMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face_embeddings.ser")
	require.NoError(t, os.WriteFile(path, []byte{0xAC, 0xED, 0x00, 0x05}, 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-enroll")
}

func TestLoad_DuplicateLabel(t *testing.T) {
	// Hand-built file with the same label twice.
	body := []byte(fileMagic)
	body = binary.BigEndian.AppendUint16(body, fileVersion)
	body = binary.BigEndian.AppendUint32(body, 1) // dim
	body = binary.BigEndian.AppendUint32(body, 2) // count
	for i := 0; i < 2; i++ {
		body = binary.BigEndian.AppendUint16(body, 1)
		body = append(body, 'x')
		body = binary.BigEndian.AppendUint32(body, math.Float32bits(1))
	}

	path := filepath.Join(t.TempDir(), "dup.bin")
	require.NoError(t, os.WriteFile(path, sealed(body), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorruptStore)
}

// sealed appends a valid checksum so only the body is malformed.
func sealed(body []byte) []byte {
	out := append([]byte(nil), body...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
}
