package config

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"branchnet/internal/result"
)

// Infinite marks an unbounded duration (no timeout, never advertise, ...).
const Infinite time.Duration = -1

const infiniteText = "infinite"

// Duration is a configuration duration. In JSON it is a number of seconds
// with -1 meaning infinite, or a Go duration string. In TOML it is a Go
// duration string or "infinite". The zero value means "use the default".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) IsInfinite() bool {
	return d < 0
}

func (d Duration) String() string {
	if d.IsInfinite() {
		return infiniteText
	}
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.IsInfinite() {
		return []byte("-1"), nil
	}
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return result.Wrap(result.InvalidParam, err)
		}
		return d.UnmarshalText([]byte(str))
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return result.Wrap(result.InvalidParam, err, "value", s)
	}
	if secs < 0 {
		*d = Duration(Infinite)
		return nil
	}
	if secs > math.MaxInt64/float64(time.Second) {
		return result.New(result.InvalidParam, "duration out of range", "seconds", secs)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// ParseDuration accepts Go duration strings plus "infinite" and "-1".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, infiniteText) || s == "-1" {
		return Infinite, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, result.Wrap(result.InvalidParam, err, "value", s)
	}
	if v < 0 {
		return 0, result.New(result.InvalidParam, "negative duration", "value", s)
	}
	return v, nil
}

// FormatDuration renders d the way ParseDuration reads it.
func FormatDuration(d time.Duration) string {
	return Duration(d).String()
}
