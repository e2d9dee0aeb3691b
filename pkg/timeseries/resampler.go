package timeseries

import (
	"time"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
)

// Point is one bucket of a resampled series. Values holds the aggregate
// columns for the bucket; zero-filled buckets carry the zero value for
// every aggregate and Filled=true.
type Point struct {
	Bucket  time.Time      `json:"bucket"`
	Values  map[string]any `json:"values"`
	Filled  bool           `json:"filled"`
	Partial bool           `json:"partial"`
}

// Series is a complete, gap-free sequence of buckets between the requested
// range bounds, in chronological order.
type Series struct {
	Interval queryspec.Interval `json:"interval"`
	Timezone string             `json:"timezone"`
	Points   []Point            `json:"points"`
}

// Buckets returns the bucket start instants covering [start, end] at the
// given interval, in loc. The first bucket is the truncation of start; the
// sequence advances by calendar arithmetic, so month and quarter buckets
// have their natural uneven lengths and DST transitions shift hour buckets
// with the zone, not against it.
func Buckets(start, end time.Time, interval queryspec.Interval, loc *time.Location) ([]time.Time, error) {
	if !interval.Valid() {
		return nil, apperrors.Validation("unsupported interval %q", interval)
	}
	if end.Before(start) {
		return nil, apperrors.Validation("time range end precedes start")
	}

	cur := Truncate(start.In(loc), interval)
	endIn := end.In(loc)

	var buckets []time.Time
	for !cur.After(endIn) {
		buckets = append(buckets, cur)
		cur = Next(cur, interval)
	}
	return buckets, nil
}

// Truncate floors t to the start of its bucket. Weeks start on Monday,
// quarters on the first day of their first month.
func Truncate(t time.Time, interval queryspec.Interval) time.Time {
	y, m, d := t.Date()
	loc := t.Location()

	switch interval {
	case queryspec.IntervalHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case queryspec.IntervalDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case queryspec.IntervalWeek:
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case queryspec.IntervalMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case queryspec.IntervalQuarter:
		qm := m - (m-1)%3
		return time.Date(y, qm, 1, 0, 0, 0, 0, loc)
	case queryspec.IntervalYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// Next advances a bucket start to the following bucket start.
func Next(t time.Time, interval queryspec.Interval) time.Time {
	switch interval {
	case queryspec.IntervalHour:
		return t.Add(time.Hour)
	case queryspec.IntervalDay:
		return t.AddDate(0, 0, 1)
	case queryspec.IntervalWeek:
		return t.AddDate(0, 0, 7)
	case queryspec.IntervalMonth:
		return t.AddDate(0, 1, 0)
	case queryspec.IntervalQuarter:
		return t.AddDate(0, 3, 0)
	case queryspec.IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t
	}
}

// Resample left-joins aggregated rows onto the full bucket sequence for the
// spec's range, zero-filling buckets with no data. Rows must carry the
// bucket under compiler.BucketColumn; valueCols name the aggregate output
// columns. A trailing bucket that the range only partially covers is
// flagged Partial rather than silently reported as a complete period.
func Resample(spec *queryspec.TimeSeriesSpec, rows []map[string]any, valueCols []string) (*Series, error) {
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperrors.Validation("unknown timezone %q", tz)
	}

	buckets, err := Buckets(spec.Start, spec.End, spec.Interval, loc)
	if err != nil {
		return nil, err
	}

	byBucket := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		t, err := bucketTime(row[compiler.BucketColumn], loc)
		if err != nil {
			return nil, err
		}
		// Re-truncate: dialects disagree on whether truncated values keep
		// sub-bucket precision.
		key := Truncate(t, spec.Interval).Unix()
		byBucket[key] = row
	}

	points := make([]Point, 0, len(buckets))
	for _, b := range buckets {
		p := Point{Bucket: b, Values: make(map[string]any, len(valueCols))}
		if row, ok := byBucket[b.Unix()]; ok {
			for _, col := range valueCols {
				p.Values[col] = row[col]
			}
		} else {
			p.Filled = true
			for _, col := range valueCols {
				p.Values[col] = 0
			}
		}
		points = append(points, p)
	}

	// The last bucket is partial when the range closes before the bucket
	// does. An end within a second of the bucket boundary (23:59:59 style
	// inclusive ranges) counts as complete.
	if len(points) > 0 {
		last := &points[len(points)-1]
		next := Next(last.Bucket, spec.Interval)
		if spec.End.In(loc).Before(next.Add(-time.Second)) {
			last.Partial = true
		}
	}

	return &Series{Interval: spec.Interval, Timezone: tz, Points: points}, nil
}

// bucketTime coerces a scanned bucket value to time.Time. Drivers return
// either native timestamps or formatted strings depending on the dialect's
// truncation expression.
func bucketTime(v any, loc *time.Location) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.In(loc), nil
	case string:
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.ParseInLocation(layout, t, loc); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, apperrors.New(apperrors.KindExecution, "unparseable bucket value %q", t)
	case []byte:
		return bucketTime(string(t), loc)
	case nil:
		return time.Time{}, apperrors.New(apperrors.KindExecution, "null bucket value in result row")
	default:
		return time.Time{}, apperrors.New(apperrors.KindExecution, "unexpected bucket value type %T", v)
	}
}
