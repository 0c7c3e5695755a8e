package types

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Embedding is a fixed-length face encoding produced by the embedding model.
type Embedding []float32

// Clone returns a copy that does not share the backing array.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// KnownEmbeddings maps an identity label to its enrolled embedding.
// A value handed out by the store is a snapshot and must not be mutated.
type KnownEmbeddings map[string]Embedding

// Labels returns the identity labels in sorted order.
func (k KnownEmbeddings) Labels() []string {
	labels := make([]string, 0, len(k))
	for l := range k {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Dim reports the shared vector length, or 0 for an empty mapping.
func (k KnownEmbeddings) Dim() int {
	for _, v := range k {
		return len(v)
	}
	return 0
}

// Clone returns a deep copy.
func (k KnownEmbeddings) Clone() KnownEmbeddings {
	out := make(KnownEmbeddings, len(k))
	for l, v := range k {
		out[l] = v.Clone()
	}
	return out
}

// Frame is a single decoded frame handed to the recognition pipeline
type Frame struct {
	Index      int
	CapturedAt time.Time
	Image      image.Image
}

// AttendanceRecord is one line of the attendance log.
type AttendanceRecord struct {
	Identity string
	At       time.Time
}

// ErrInvalidIdentity is returned for labels that cannot be stored or logged.
var ErrInvalidIdentity = errors.New("invalid identity label")

// MaxLabelLen bounds the encoded label size in the embeddings file.
const MaxLabelLen = 1<<16 - 1

// ValidateLabel checks that a label is non-empty, valid UTF-8, fits the store
// encoding and contains no line breaks (the attendance log is line oriented).
func ValidateLabel(label string) error {
	switch {
	case strings.TrimSpace(label) == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	case len(label) > MaxLabelLen:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidIdentity, len(label), MaxLabelLen)
	case !utf8.ValidString(label):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidIdentity)
	case strings.ContainsAny(label, "\r\n"):
		return fmt.Errorf("%w: contains a line break", ErrInvalidIdentity)
	}
	return nil
}
