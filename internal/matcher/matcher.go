// Package matcher decides whether a face embedding belongs to an enrolled identity.
package matcher

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
)

// DefaultThreshold is the maximum Euclidean distance (exclusive) at which two
// FaceNet embeddings are considered the same person.
const DefaultThreshold float32 = 0.6

// ErrDimensionMismatch is matched by DimensionMismatchError via errors.Is.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DimensionMismatchError reports a comparison between vectors of different length.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// Match is the nearest enrolled identity for a candidate embedding.
type Match struct {
	Label    string
	Distance float32
}

// Distance returns the L2 distance between a and b.
func Distance(a, b types.Embedding) (float32, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Want: len(a), Got: len(b)}
	}
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math32.Sqrt(sum), nil
}

// IsRecognized reports whether any known embedding lies strictly closer than threshold.
// It stops at the first hit.
func IsRecognized(candidate types.Embedding, known types.KnownEmbeddings, threshold float32) (bool, error) {
	for _, v := range known {
		d, err := Distance(candidate, v)
		if err != nil {
			return false, err
		}
		if d < threshold {
			return true, nil
		}
	}
	return false, nil
}

// BestMatch returns the nearest known identity when its distance is strictly below
// threshold. ok is false when nothing qualifies; that is a normal outcome, not an error.
// Equal distances resolve to the lexicographically smaller label.
func BestMatch(candidate types.Embedding, known types.KnownEmbeddings, threshold float32) (Match, bool, error) {
	best := Match{Distance: math32.Inf(1)}
	found := false
	for label, v := range known {
		d, err := Distance(candidate, v)
		if err != nil {
			return Match{}, false, err
		}
		// NaN distances never qualify.
		if !(d < threshold) {
			continue
		}
		if !found || d < best.Distance || (d == best.Distance && label < best.Label) {
			best = Match{Label: label, Distance: d}
			found = true
		}
	}
	if !found {
		return Match{}, false, nil
	}
	return best, true, nil
}

// Matcher binds a threshold to the matching functions.
type Matcher struct {
	Threshold float32
}

// New returns a Matcher; a non-positive or NaN threshold falls back to DefaultThreshold.
func New(threshold float32) Matcher {
	if !(threshold > 0) {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

func (m Matcher) IsRecognized(candidate types.Embedding, known types.KnownEmbeddings) (bool, error) {
	return IsRecognized(candidate, known, m.Threshold)
}

func (m Matcher) BestMatch(candidate types.Embedding, known types.KnownEmbeddings) (Match, bool, error) {
	return BestMatch(candidate, known, m.Threshold)
}
