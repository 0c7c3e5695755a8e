package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf8"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
)

// File layout (big endian):
//
//	magic "RCEM" | version uint16 | dim uint32 | count uint32
//	count × ( labelLen uint16 | label | dim × float32 )
//	crc32 (IEEE) of all preceding bytes
const (
	fileMagic   = "RCEM"
	fileVersion = uint16(1)
	headerLen   = len(fileMagic) + 2 + 4 + 4
	trailerLen  = 4
)

// javaStreamMagic opens every java.io.ObjectOutputStream, which is what the
// Android app used for face_embeddings.ser.
var javaStreamMagic = []byte{0xAC, 0xED}

// encode writes known in the v1 layout. Entries are sorted by label so equal
// mappings produce identical files.
func encode(known types.KnownEmbeddings) ([]byte, error) {
	dim := known.Dim()
	buf := new(bytes.Buffer)
	buf.WriteString(fileMagic)
	binary.Write(buf, binary.BigEndian, fileVersion)
	binary.Write(buf, binary.BigEndian, uint32(dim))
	binary.Write(buf, binary.BigEndian, uint32(len(known)))

	for _, label := range known.Labels() {
		vec := known[label]
		if len(vec) != dim {
			return nil, fmt.Errorf("entry %q has %d values, expected %d", label, len(vec), dim)
		}
		if len(label) > types.MaxLabelLen {
			return nil, fmt.Errorf("label %q too long", label)
		}
		binary.Write(buf, binary.BigEndian, uint16(len(label)))
		buf.WriteString(label)
		binary.Write(buf, binary.BigEndian, []float32(vec))
	}

	binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// decode parses a v1 file. Any structural problem is reported as a reason string
// which the caller wraps into a CorruptStoreError.
func decode(data []byte) (types.KnownEmbeddings, string) {
	if bytes.HasPrefix(data, javaStreamMagic) {
		return nil, "legacy Java-serialized embeddings file (0xACED stream); re-enroll identities"
	}
	if len(data) < headerLen+trailerLen {
		return nil, fmt.Sprintf("truncated: %d bytes", len(data))
	}
	if string(data[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Sprintf("bad magic %q", data[:len(fileMagic)])
	}

	body := data[:len(data)-trailerLen]
	want := binary.BigEndian.Uint32(data[len(data)-trailerLen:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", want, got)
	}

	r := bytes.NewReader(body[len(fileMagic):])
	var (
		version uint16
		dim     uint32
		count   uint32
	)
	binary.Read(r, binary.BigEndian, &version)
	binary.Read(r, binary.BigEndian, &dim)
	binary.Read(r, binary.BigEndian, &count)

	if version != fileVersion {
		return nil, fmt.Sprintf("unsupported version %d", version)
	}
	if count > 0 && dim == 0 {
		return nil, "zero dimension with non-empty entry list"
	}
	// Each entry needs at least its length prefix and its vector.
	if minSize := uint64(count) * (2 + 4*uint64(dim)); minSize > uint64(r.Len()) {
		return nil, fmt.Sprintf("%d entries of dimension %d do not fit in %d bytes", count, dim, r.Len())
	}

	known := make(types.KnownEmbeddings, count)
	for i := uint32(0); i < count; i++ {
		var labelLen uint16
		if err := binary.Read(r, binary.BigEndian, &labelLen); err != nil {
			return nil, fmt.Sprintf("entry %d: %v", i, err)
		}
		label := make([]byte, labelLen)
		if _, err := io.ReadFull(r, label); err != nil {
			return nil, fmt.Sprintf("entry %d label: %v", i, err)
		}
		if !utf8.Valid(label) {
			return nil, fmt.Sprintf("entry %d: label is not valid UTF-8", i)
		}
		if _, dup := known[string(label)]; dup {
			return nil, fmt.Sprintf("duplicate label %q", label)
		}

		vec := make(types.Embedding, dim)
		if err := binary.Read(r, binary.BigEndian, []float32(vec)); err != nil {
			return nil, fmt.Sprintf("entry %q vector: %v", label, err)
		}
		for _, v := range vec {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return nil, fmt.Sprintf("entry %q has a non-finite value", label)
			}
		}
		known[string(label)] = vec
	}

	if r.Len() != 0 {
		return nil, fmt.Sprintf("%d trailing bytes", r.Len())
	}
	return known, ""
}
