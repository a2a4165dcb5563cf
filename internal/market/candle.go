package market

import (
	"sort"
)

// PricePoint is one timestamped price observation feeding the candle
// builder. Points typically come from normalized trades but any price
// source with timestamps works.
type PricePoint struct {
	Timestamp uint64
	Price     float64
}

// Candle is one OHLC bucket. BucketStart is the inclusive lower bound of
// the bucket in unix seconds, aligned to the bucket width.
type Candle struct {
	BucketStart uint64  `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
}

// BuildCandles aggregates price points into a gap-free candle series over
// the inclusive window [windowStart, windowEnd]. Every bucket in the
// window is emitted: buckets without trades repeat the previous close as a
// flat candle, so charts render a continuous line instead of holes.
//
// The series opens at the last observed price at or before windowStart.
// When no point precedes the window, spotHint seeds it; when that is also
// unusable (zero or negative) the result is empty rather than a flat-zero
// chart that implies a known price of zero.
func BuildCandles(points []PricePoint, windowStart, windowEnd, bucketWidth uint64, spotHint float64) []Candle {
	if bucketWidth == 0 || windowEnd < windowStart {
		return nil
	}

	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	// Seed: latest price at or before the window start
	seed := 0.0
	idx := 0
	for idx < len(sorted) && sorted[idx].Timestamp <= windowStart {
		seed = sorted[idx].Price
		idx++
	}
	if seed <= 0 {
		seed = spotHint
	}
	if seed <= 0 {
		return nil
	}

	firstBucket := windowStart / bucketWidth * bucketWidth
	nBuckets := int((windowEnd-firstBucket)/bucketWidth) + 1

	candles := make([]Candle, 0, nBuckets)
	prevClose := seed

	for b := 0; b < nBuckets; b++ {
		bucketStart := firstBucket + uint64(b)*bucketWidth
		bucketEnd := bucketStart + bucketWidth

		c := Candle{
			BucketStart: bucketStart,
			Open:        prevClose,
			High:        prevClose,
			Low:         prevClose,
			Close:       prevClose,
		}

		for idx < len(sorted) && sorted[idx].Timestamp < bucketEnd {
			p := sorted[idx].Price
			idx++
			if p <= 0 {
				continue
			}
			if p > c.High {
				c.High = p
			}
			if p < c.Low {
				c.Low = p
			}
			c.Close = p
		}

		prevClose = c.Close
		candles = append(candles, c)
	}

	return candles
}

// TradePoints projects trades onto price points for candle building.
// Trades without a resolved timestamp are excluded rather than charted at
// time zero.
func TradePoints(trades []*Trade) []PricePoint {
	points := make([]PricePoint, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp == 0 {
			continue
		}
		points = append(points, PricePoint{Timestamp: t.Timestamp, Price: t.PriceFloat64()})
	}
	return points
}
