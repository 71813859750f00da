package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

// weekdayNames is indexed by time.Weekday (Sunday = 0). Keys are fixed and
// locale-independent; they match the JSON stored on the doctor row.
var weekdayNames = [7]string{
	"sunday",
	"monday",
	"tuesday",
	"wednesday",
	"thursday",
	"friday",
	"saturday",
}

// DayWindow is one weekday's working window. Start < End is expected;
// the resolver treats a violated window as a non-working day.
type DayWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// WeeklyTemplate maps weekdays to working windows. A weekday absent from
// the map means the doctor does not work that day.
type WeeklyTemplate map[time.Weekday]DayWindow

// Window looks up the working window for a weekday.
func (wt WeeklyTemplate) Window(day time.Weekday) (DayWindow, bool) {
	w, ok := wt[day]
	return w, ok
}

// MarshalJSON serializes the template keyed by lowercase weekday name,
// the shape persisted in the doctors.weekly_hours column.
func (wt WeeklyTemplate) MarshalJSON() ([]byte, error) {
	out := make(map[string]DayWindow, len(wt))
	for day, w := range wt {
		if day < time.Sunday || day > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d in template", day)
		}
		out[weekdayNames[day]] = w
	}
	return json.Marshal(out)
}

func (wt *WeeklyTemplate) UnmarshalJSON(b []byte) error {
	var raw map[string]DayWindow
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(WeeklyTemplate, len(raw))
	for name, w := range raw {
		day, ok := weekdayByName(name)
		if !ok {
			return fmt.Errorf("unknown weekday %q in template", name)
		}
		out[day] = w
	}
	*wt = out
	return nil
}

func weekdayByName(name string) (time.Weekday, bool) {
	for i, n := range weekdayNames {
		if n == name {
			return time.Weekday(i), true
		}
	}
	return 0, false
}
