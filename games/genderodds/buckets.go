package genderodds

import (
	"strings"
)

// MaxPercent is the top of the answer scale.
const MaxPercent = 100.0

// Bucket is one labeled range of the answer table. A bucket contains x when
// Min <= x < Max; the topmost bucket also contains MaxPercent.
type Bucket struct {
	Label   string  `json:"label"`
	Caption string  `json:"caption"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// buckets partitions [0,100] without gaps or overlaps.
var buckets = []Bucket{
	{Label: "A", Caption: "0% to 20%", Min: 0, Max: 20},
	{Label: "B", Caption: "20% to 55%", Min: 20, Max: 55},
	{Label: "C", Caption: "55% to 80%", Min: 55, Max: 80},
	{Label: "D", Caption: "80% to 100%", Min: 80, Max: MaxPercent},
}

// Buckets returns a copy of the answer table in ascending order.
func Buckets() []Bucket {
	out := make([]Bucket, len(buckets))
	copy(out, buckets)
	return out
}

func (b Bucket) Contains(x float64) bool {
	if x < b.Min {
		return false
	}
	if x < b.Max {
		return true
	}
	return b.Max == MaxPercent && x == MaxPercent
}

// LookupBucket finds a bucket by label, ignoring case and surrounding space.
func LookupBucket(label string) (Bucket, bool) {
	label = strings.ToUpper(strings.TrimSpace(label))
	for _, b := range buckets {
		if b.Label == label {
			return b, true
		}
	}
	return Bucket{}, false
}

// BucketFor returns the bucket containing x. It reports false for values
// outside [0,100].
func BucketFor(x float64) (Bucket, bool) {
	for _, b := range buckets {
		if b.Contains(x) {
			return b, true
		}
	}
	return Bucket{}, false
}
