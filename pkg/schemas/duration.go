package schemas

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with JSON and YAML codecs. It accepts Go
// duration strings ("1h30m", "2.5s"), timecodes ("00:01:30.500") and bare
// numbers of seconds, and always marshals to the Go string form.
type Duration struct {
	time.Duration
}

// DurationFromSeconds builds a Duration from a whole number of seconds.
func DurationFromSeconds(s int) Duration {
	return Duration{time.Duration(s) * time.Second}
}

// Seconds returns the duration as fractional seconds.
func (d Duration) Seconds() float64 {
	return d.Duration.Seconds()
}

// MarshalJSON converts Duration to a JSON string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses Duration from a string or a number of seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML converts Duration to a YAML string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML parses Duration from a YAML string or number of seconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n float64
	if err := node.Decode(&n); err == nil {
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ParseDuration parses a duration from:
// - Go duration: "1h30m", "90s"
// - Timecode: "01:30:00", "00:05:30.500"
// - Bare seconds: "90", "2.5"
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if d, err := parseTimecode(s); err == nil {
		return d, nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

var timecodeRe = regexp.MustCompile(`^(\d{1,2}):(\d{2}):(\d{2})(?:\.(\d{1,3}))?$`)

// parseTimecode parses "HH:MM:SS" or "HH:MM:SS.mmm" format
func parseTimecode(s string) (time.Duration, error) {
	matches := timecodeRe.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid timecode format")
	}

	hours, _ := strconv.Atoi(matches[1])
	minutes, _ := strconv.Atoi(matches[2])
	seconds, _ := strconv.Atoi(matches[3])

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second

	if matches[4] != "" {
		// Pad milliseconds to 3 digits
		ms := matches[4]
		for len(ms) < 3 {
			ms += "0"
		}
		millis, _ := strconv.Atoi(ms)
		d += time.Duration(millis) * time.Millisecond
	}

	return d, nil
}
