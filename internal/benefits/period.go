package benefits

import "time"

// PeriodFor returns the calendar-anchored accounting window containing t
// for the given timing. Start is inclusive, end exclusive, both UTC
// midnight.
func PeriodFor(timing Timing, t time.Time) (start, end time.Time) {
	t = t.UTC()
	year := t.Year()
	switch timing {
	case Quarterly:
		q := (int(t.Month()) - 1) / 3
		start = time.Date(year, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 3, 0)
	case SemiAnnual:
		h := (int(t.Month()) - 1) / 6
		start = time.Date(year, time.Month(h*6+1), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 6, 0)
	case Annual:
		start = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default: // Monthly
		start = time.Date(year, t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	}
	return start, end
}

// monthsPer maps a timing to the number of months one period spans.
func monthsPer(timing Timing) int64 {
	switch timing {
	case Quarterly:
		return 3
	case SemiAnnual:
		return 6
	case Annual:
		return 12
	default:
		return 1
	}
}

// CapCents computes a period's cap: the period limit, further bounded by
// the annual limit's proportional share when one is configured. An annual
// limit above periodLimit*periods/year leaves the period limit in charge
// (the surplus models bonus periods handled by rule ordering).
func CapCents(r Rule) int64 {
	cap := r.PeriodLimitCents
	if r.AnnualLimitCents > 0 {
		share := r.AnnualLimitCents * monthsPer(r.Timing) / 12
		if cap == 0 || share < cap {
			cap = share
		}
	}
	return cap
}
