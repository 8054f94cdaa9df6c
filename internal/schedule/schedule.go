// Package schedule computes quota-aware send distributions. It is pure
// computation: no storage, no clock of its own. The step preparation worker
// feeds it remaining per-day quota and carries a Calculator across contact
// batches.
package schedule

import "time"

// DefaultHorizonDays is the maximum number of calendar days a distribution
// walks before assigning the overflow to the final day.
const DefaultHorizonDays = 30

// DayBucket assigns a contiguous range of global email indices to one
// calendar day. Day 0 is today in the sender's timezone.
type DayBucket struct {
	Day        int
	StartIndex int // inclusive
	EndIndex   int // inclusive
	QuotaUsed  int
}

// Distribute walks days starting at startDay and assigns emails to each day
// up to that day's remaining capacity. remaining maps day offset to the
// sender's remaining quota for that day; days absent from the map are
// treated as having the full dailyLimit available.
//
// Overflow policy: if the horizon is reached with emails left over, the
// remainder is assigned to the final day on top of its capacity. That day
// will drain across real days via send-time quota rescheduling; emails are
// never silently dropped.
func Distribute(total int, remaining map[int]int, dailyLimit, startDay, horizonDays int) []DayBucket {
	if total <= 0 {
		return nil
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}

	var buckets []DayBucket
	next := 0 // next unassigned global index

	for day := startDay; day < startDay+horizonDays && next < total; day++ {
		capacity, ok := remaining[day]
		if !ok {
			capacity = dailyLimit
		}
		if capacity <= 0 {
			continue
		}

		n := total - next
		if n > capacity {
			n = capacity
		}
		buckets = append(buckets, DayBucket{
			Day:        day,
			StartIndex: next,
			EndIndex:   next + n - 1,
			QuotaUsed:  n,
		})
		next += n
	}

	if next < total {
		// Horizon exhausted: attach the remainder to the final bucket.
		leftover := total - next
		if len(buckets) == 0 {
			buckets = append(buckets, DayBucket{
				Day:        startDay + horizonDays - 1,
				StartIndex: 0,
				EndIndex:   total - 1,
				QuotaUsed:  total,
			})
		} else {
			last := &buckets[len(buckets)-1]
			last.EndIndex += leftover
			last.QuotaUsed += leftover
		}
	}

	return buckets
}

// Calculator produces absolute send timestamps for emails assigned to day
// buckets. It keeps running per-day state (first-email anchor, emails
// placed so far) so a preparation job can stream contacts in batches
// without re-deriving anchors.
type Calculator struct {
	now     time.Time
	loc     *time.Location
	pacing  time.Duration
	startAt time.Time // step schedule time; zero for immediate steps

	// priorLastSend holds, per day, the last send time an earlier step of
	// the same campaign already scheduled on that day. The first email this
	// step places on such a day anchors after it, preserving thread/day
	// ordering across steps.
	priorLastSend map[int]time.Time

	firstByDay map[int]time.Time
	countByDay map[int]int
}

// NewCalculator builds a calculator for one step preparation run.
// startAt may be the zero time for immediate-trigger steps.
func NewCalculator(now time.Time, loc *time.Location, pacing time.Duration, startAt time.Time) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		now:           now.In(loc),
		loc:           loc,
		pacing:        pacing,
		startAt:       startAt,
		priorLastSend: make(map[int]time.Time),
		firstByDay:    make(map[int]time.Time),
		countByDay:    make(map[int]int),
	}
}

// SetPriorLastSend records an earlier step's last scheduled send time for a
// day. Must be called before the first Next for that day.
func (c *Calculator) SetPriorLastSend(day int, t time.Time) {
	c.priorLastSend[day] = t
}

// SeedDay primes the per-day state from delivery records that already exist
// for this step, so a resumed preparation run continues the same cadence
// instead of restarting the day's sequence.
func (c *Calculator) SeedDay(day int, first time.Time, count int) {
	if count <= 0 {
		return
	}
	c.firstByDay[day] = first
	c.countByDay[day] = count
}

// Next returns the send timestamp for the next email assigned to day.
// Timestamps within one day are non-decreasing and spaced by the pacing
// interval.
func (c *Calculator) Next(day int) time.Time {
	idx := c.countByDay[day]
	c.countByDay[day] = idx + 1

	if idx > 0 {
		return c.firstByDay[day].Add(time.Duration(idx) * c.pacing)
	}

	var first time.Time
	switch {
	case !c.priorLastSend[day].IsZero():
		first = c.priorLastSend[day].Add(c.pacing)
	case day == 0:
		first = c.now
		if c.startAt.After(first) {
			first = c.startAt
		}
	default:
		first = c.midnight(day).Add(time.Minute)
	}

	c.firstByDay[day] = first
	return first
}

// midnight returns 00:00 of now+day days in the sender's timezone.
func (c *Calculator) midnight(day int) time.Time {
	d := c.now.AddDate(0, 0, day)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
}
