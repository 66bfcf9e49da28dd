// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration written as an ISO-8601 duration, like PT2S or
// PT0.5S.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := ParseISODuration(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(FormatISODuration(time.Duration(d))), nil
}

func (d Duration) String() string {
	return FormatISODuration(time.Duration(d))
}

// FormatISODuration is the inverse of ParseISODuration for non negative
// durations. Days are never used.
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var sb strings.Builder
	sb.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		sb.WriteString(strconv.FormatInt(int64(h), 10) + "H")
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		sb.WriteString(strconv.FormatInt(int64(m), 10) + "M")
		d -= m * time.Minute
	}
	if d > 0 {
		sb.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "S")
	}
	return sb.String()
}
