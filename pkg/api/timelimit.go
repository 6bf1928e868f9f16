package api

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimeLimit is a wall clock limit in minutes.
type TimeLimit uint32

const (
	// TimeLimitInfinite never expires.
	TimeLimitInfinite TimeLimit = math.MaxUint32
	// TimeLimitNone means no limit was requested; the partition maximum applies.
	TimeLimitNone TimeLimit = math.MaxUint32 - 1
)

func (t TimeLimit) IsInfinite() bool {
	return t == TimeLimitInfinite
}

// Duration returns the limit as a duration. Infinite and unset limits return false.
func (t TimeLimit) Duration() (time.Duration, bool) {
	if t == TimeLimitInfinite || t == TimeLimitNone {
		return 0, false
	}
	return time.Duration(t) * time.Minute, true
}

func (t TimeLimit) String() string {
	switch t {
	case TimeLimitInfinite:
		return "UNLIMITED"
	case TimeLimitNone:
		return "NONE"
	}
	minutes := uint32(t)
	days := minutes / (24 * 60)
	hours := (minutes / 60) % 24
	mins := minutes % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:00", days, hours, mins)
	}
	return fmt.Sprintf("%02d:%02d:00", hours, mins)
}

// ParseTimeLimit accepts "minutes", "minutes:seconds", "hours:minutes:seconds", "days-hours",
// "days-hours:minutes", "days-hours:minutes:seconds" and UNLIMITED/INFINITE. Seconds round up to a whole minute.
func ParseTimeLimit(s string) (TimeLimit, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "UNLIMITED", "INFINITE", "-1":
		return TimeLimitInfinite, nil
	case "", "NONE":
		return TimeLimitNone, nil
	}
	var days, hours, minutes, seconds uint64
	rest := s
	hasDays := false
	if d, r, ok := strings.Cut(s, "-"); ok {
		v, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			return 0, errors.Errorf("invalid time limit %q", s)
		}
		days, rest, hasDays = v, r, true
	}
	fields := strings.Split(rest, ":")
	nums := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return 0, errors.Errorf("invalid time limit %q", s)
		}
		nums[i] = v
	}
	switch {
	case hasDays && len(nums) == 1:
		hours = nums[0]
	case hasDays && len(nums) == 2:
		hours, minutes = nums[0], nums[1]
	case hasDays && len(nums) == 3:
		hours, minutes, seconds = nums[0], nums[1], nums[2]
	case len(nums) == 1:
		minutes = nums[0]
	case len(nums) == 2:
		minutes, seconds = nums[0], nums[1]
	case len(nums) == 3:
		hours, minutes, seconds = nums[0], nums[1], nums[2]
	default:
		return 0, errors.Errorf("invalid time limit %q", s)
	}
	total := days*24*60 + hours*60 + minutes
	if seconds > 0 {
		total += (seconds + 59) / 60
	}
	if total >= uint64(TimeLimitNone) {
		return 0, errors.Errorf("time limit %q is too large", s)
	}
	return TimeLimit(total), nil
}
