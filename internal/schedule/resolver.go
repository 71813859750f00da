package schedule

// DefaultIntervalMinutes is the slot length used when no override is
// configured.
const DefaultIntervalMinutes = 30

// Resolve turns a doctor's weekly template plus a target date into that
// day's candidate slot grid: successive starts from the window start, one
// per interval, stopping before the window end. The grid ignores existing
// bookings; occupancy filtering happens in the booking layer.
//
// An empty grid is a normal outcome, returned when the weekday has no
// window, the window is malformed (start >= end), or the interval is not
// positive. Resolve never fails for a well-formed template.
func Resolve(tpl WeeklyTemplate, date Date, intervalMinutes int) []TimeOfDay {
	if intervalMinutes <= 0 {
		return nil
	}
	window, ok := tpl.Window(date.Weekday())
	if !ok {
		return nil
	}
	if !window.Start.Before(window.End) {
		return nil
	}

	var slots []TimeOfDay
	for t := window.Start; t.Before(window.End); t = t.Add(intervalMinutes) {
		slots = append(slots, t)
	}
	return slots
}

// Contains reports whether t is a slot the grid would offer.
func Contains(grid []TimeOfDay, t TimeOfDay) bool {
	for _, s := range grid {
		if s == t {
			return true
		}
	}
	return false
}
