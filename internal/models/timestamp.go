package models

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// SecondsThreshold is 2001-01-01T00:00:00Z in milliseconds. Numeric values
// below it are taken to be seconds.
const SecondsThreshold int64 = 978_307_200_000

// UnknownTime is displayed for timestamps that could not be normalized.
const UnknownTime = "--:--"

type int64er interface {
	Int64() int64
}

// NormalizeTimestamp converts any supported timestamp representation to unix
// milliseconds. The second result is false when the value is unusable.
//
// Representations are tried in this order: nil, time.Time, signed and
// unsigned integers, floats, json.Number, *big.Int, strings (digits first,
// then RFC 3339), and finally anything with an Int64() method. Only numeric
// forms go through the seconds heuristic.
func NormalizeTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return positive(t.UnixMilli())
	case *time.Time:
		if t == nil {
			return 0, false
		}
		return NormalizeTimestamp(*t)
	case int:
		return scaleNumeric(int64(t))
	case int8:
		return scaleNumeric(int64(t))
	case int16:
		return scaleNumeric(int64(t))
	case int32:
		return scaleNumeric(int64(t))
	case int64:
		return scaleNumeric(t)
	case uint:
		return scaleUnsigned(uint64(t))
	case uint8:
		return scaleUnsigned(uint64(t))
	case uint16:
		return scaleUnsigned(uint64(t))
	case uint32:
		return scaleUnsigned(uint64(t))
	case uint64:
		return scaleUnsigned(t)
	case float32:
		return scaleFloat(float64(t))
	case float64:
		return scaleFloat(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return scaleNumeric(n)
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return scaleFloat(f)
	case *big.Int:
		if t == nil || !t.IsInt64() {
			return 0, false
		}
		return scaleNumeric(t.Int64())
	case string:
		return normalizeString(t)
	case int64er:
		return scaleNumeric(t.Int64())
	}
	return 0, false
}

func normalizeString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return scaleNumeric(n)
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return positive(ts.UnixMilli())
	}
	return 0, false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func scaleNumeric(n int64) (int64, bool) {
	if n <= 0 {
		return 0, false
	}
	if n < SecondsThreshold {
		return n * 1000, true
	}
	return n, true
}

func scaleUnsigned(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return scaleNumeric(int64(n))
}

func scaleFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f >= math.MaxInt64 {
		return 0, false
	}
	if f < float64(SecondsThreshold) {
		return int64(f * 1000), true
	}
	return int64(f), true
}

func positive(ms int64) (int64, bool) {
	if ms <= 0 {
		return 0, false
	}
	return ms, true
}

// FormatTimestamp renders a normalized timestamp for conversation lists:
// time of day for today, the short weekday within the last week, day/month
// otherwise.
func FormatTimestamp(ms int64, now time.Time) string {
	if ms <= 0 {
		return UnknownTime
	}
	t := time.UnixMilli(ms).In(now.Location())

	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return t.Format("15:04")
	}

	days := int(now.Sub(t).Hours() / 24)
	if days >= 0 && days < 7 {
		return t.Format("Mon")
	}
	return t.Format("02/01")
}

// DisplayTimestamp normalizes and formats in one step.
func DisplayTimestamp(v any, now time.Time) string {
	ms, ok := NormalizeTimestamp(v)
	if !ok {
		return UnknownTime
	}
	return FormatTimestamp(ms, now)
}
