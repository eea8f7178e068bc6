package marketplace

import "math"

type ReviewSummary struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
	// Distribution counts reviews per star, 1 through 5.
	Distribution map[int]int `json:"distribution"`
}

// Summarize computes the rating summary shown on a worker profile. Ratings
// outside 1..5 are ignored; the average is rounded to one decimal.
func Summarize(reviews []Review) ReviewSummary {
	summary := ReviewSummary{Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}

	total := 0
	for _, r := range reviews {
		if r.Rating < 1 || r.Rating > 5 {
			continue
		}
		summary.Distribution[r.Rating]++
		summary.Count++
		total += r.Rating
	}

	if summary.Count > 0 {
		summary.Average = math.Round(float64(total)/float64(summary.Count)*10) / 10
	}
	return summary
}
