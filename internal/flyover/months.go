package flyover

import "time"

// MonthIntervals splits [from, to] into disjoint sub-intervals covering only
// the selected calendar months. Adjacent selected months are merged. An
// empty selection, or one containing every month, yields the whole range.
func MonthIntervals(from, to time.Time, months []time.Month) []Interval {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil
	}

	selected := make(map[time.Month]bool, len(months))
	for _, m := range months {
		selected[m] = true
	}
	if len(selected) == 0 || len(selected) == 12 {
		return []Interval{{From: from, To: to}}
	}

	var intervals []Interval
	monthStart := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)

	for !monthStart.After(to) {
		next := monthStart.AddDate(0, 1, 0)

		if selected[monthStart.Month()] {
			start := monthStart
			if start.Before(from) {
				start = from
			}
			end := next.Add(-time.Millisecond)
			if end.After(to) {
				end = to
			}

			n := len(intervals)
			if n > 0 && intervals[n-1].To.Add(time.Millisecond).Equal(start) {
				intervals[n-1].To = end
			} else {
				intervals = append(intervals, Interval{From: start, To: end})
			}
		}

		monthStart = next
	}

	return intervals
}
