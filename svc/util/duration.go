package util

import (
	"strconv"
	"strings"
	"time"
)

// FormatTTL renders d rounded to whole seconds as e.g. "4m", "3m 59s", "1h 30m".
// Zero parts are omitted; anything under a second is "0s".
func FormatTTL(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	units := []struct {
		d    time.Duration
		name string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if d >= u.d {
			count := d / u.d
			parts = append(parts, strconv.FormatInt(int64(count), 10)+u.name)
			d -= count * u.d
		}
	}
	return strings.Join(parts, " ")
}
