// Package detection defines the classification results that flow through the
// inference loop and the confidence filter applied to them.
package detection

import "fmt"

// DefaultThreshold is the minimum probability a class must exceed to be accepted.
const DefaultThreshold = 0.6

// BBox is a bounding box in frame pixel coordinates.
// Classification-only models produce the zero box.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsZero reports whether the box carries no spatial information.
func (b BBox) IsZero() bool {
	return b == BBox{}
}

// Detection is an accepted classification result.
type Detection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	BBox  BBox    `json:"bbox"`
}

// RawScore is the probability the model assigns to one of its classes.
type RawScore struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Filter returns the scores whose probability is strictly greater than
// threshold, in their original order, as detections with a zero bounding box.
// It never returns nil.
func Filter(scores []RawScore, threshold float64) []Detection {
	out := make([]Detection, 0, len(scores))
	for _, s := range scores {
		if s.Probability > threshold {
			out = append(out, Detection{
				Class: s.Class,
				Score: s.Probability,
			})
		}
	}
	return out
}

// Scores converts detections back into raw scores.
func Scores(dets []Detection) []RawScore {
	out := make([]RawScore, len(dets))
	for i, d := range dets {
		out[i] = RawScore{Class: d.Class, Probability: d.Score}
	}
	return out
}

// Highest returns the detection with the highest score. The latest
// detection wins ties. It returns false for an empty slice.
func Highest(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Score >= best.Score {
			best = d
		}
	}
	return best, true
}

// Top returns the raw score with the highest probability, the latest on ties.
func Top(scores []RawScore) (RawScore, bool) {
	if len(scores) == 0 {
		return RawScore{}, false
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Probability >= best.Probability {
			best = s
		}
	}
	return best, true
}

// Label formats a detection as "class (NN.N%)".
func Label(d Detection) string {
	return fmt.Sprintf("%s (%.1f%%)", d.Class, d.Score*100)
}
