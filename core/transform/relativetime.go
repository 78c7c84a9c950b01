package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var relativeUnits = map[string]int64{
	"yr": 31536000, "yrs": 31536000, "year": 31536000, "years": 31536000,
	"wk": 604800, "wks": 604800, "week": 604800, "weeks": 604800,
	"d": 86400, "day": 86400, "days": 86400,
	"hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"sec": 1, "secs": 1, "second": 1, "seconds": 1,
}

// maxRelativeSeconds is the largest offset a time.Duration can hold.
const maxRelativeSeconds = int64(math.MaxInt64 / int64(time.Second))

// RelativeTimeToDate resolves phrases such as "in 2 days", "3 hours ago" or
// "now" against now.
func RelativeTimeToDate(text string, now time.Time) (time.Time, error) {
	text = strings.ToLower(text)
	parts := strings.Fields(text)

	future := len(parts) > 0 && parts[0] == "in"
	past := len(parts) > 0 && parts[len(parts)-1] == "ago"

	if !future && !past && text != "now" {
		return time.Time{}, errors.New("time should either start with 'in' or end with 'ago'")
	}
	if future && past {
		return time.Time{}, errors.New("time cannot have both 'in' and 'ago'")
	}

	if future {
		parts = parts[1:]
	} else if past {
		parts = parts[:len(parts)-1]
	}

	if len(parts)%2 != 0 && text != "now" {
		return time.Time{}, errors.New("invalid time string: dangling unit or number")
	}

	var seconds int64
	for i := 0; i+1 < len(parts); i += 2 {
		n, err := strconv.ParseFloat(parts[i], 64)
		if err != nil || math.IsInf(n, 0) || n != math.Trunc(n) {
			return time.Time{}, fmt.Errorf("%q is not an integer", parts[i])
		}
		unit, ok := relativeUnits[parts[i+1]]
		if !ok {
			return time.Time{}, fmt.Errorf("invalid interval: %q", parts[i+1])
		}
		if math.Abs(n) > float64(maxRelativeSeconds/unit) {
			return time.Time{}, fmt.Errorf("time offset out of range: %s %s", parts[i], parts[i+1])
		}
		seconds += int64(n) * unit
		if seconds > maxRelativeSeconds || seconds < -maxRelativeSeconds {
			return time.Time{}, errors.New("time offset out of range")
		}
	}

	offset := time.Duration(seconds) * time.Second
	switch {
	case future:
		return now.Add(offset), nil
	case past:
		return now.Add(-offset), nil
	default:
		return now, nil
	}
}
