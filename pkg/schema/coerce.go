package schema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// Timestamp bounds of the warehouse. Values outside are clamped.
var (
	MinTimestamp = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

var (
	maxInt64      = decimal.New(math.MaxInt64, 0)
	minInt64      = decimal.New(math.MinInt64, 0)
	yearOverflow  = regexp.MustCompile(`^\+?\d{5,}-`)
	timestampForm = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}
	timeForm = []string{"15:04:05.999999999", "15:04"}
)

// NumericBound returns the largest value representable by NUMERIC(precision, scale),
// that is 10^(precision-scale) - 10^-scale.
func NumericBound(precision, scale int) decimal.Decimal {
	return decimal.New(1, int32(precision-scale)).Sub(decimal.New(1, int32(-scale)))
}

// Coerce converts a decoded JSON value into the Go value stored for a column
// of type t:
//
//	STRING    string
//	INTEGER   int64
//	FLOAT     float64
//	NUMERIC   decimal.Decimal rounded to the column scale
//	BOOLEAN   bool
//	TIMESTAMP time.Time in UTC
//	TIME      time.Duration since midnight
//	JSON      string holding compact JSON
//	REPEATED  []interface{}
//	RECORD    map[string]interface{}
//
// Out-of-range numbers and timestamps are clamped to the nearest bound and
// reported through the clamped result. Values that cannot be interpreted at
// all are data errors.
func Coerce(t LogicalType, v interface{}) (out interface{}, clamped bool, err error) {
	if v == nil {
		return nil, false, nil
	}

	switch t.Kind {
	case KindString:
		return coerceString(v), false, nil

	case KindInteger:
		return coerceInteger(v)

	case KindFloat:
		f, err := coerceFloat(v)
		return f, false, err

	case KindNumeric:
		return coerceNumeric(v, t.Precision, t.Scale)

	case KindBoolean:
		b, err := coerceBool(v)
		return b, false, err

	case KindTimestamp:
		return coerceTimestamp(v)

	case KindTime:
		d, err := coerceTime(v)
		return d, false, err

	case KindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false, dataError(t, v, err)
		}
		return string(data), false, nil

	case KindRepeated:
		items, ok := v.([]interface{})
		if !ok {
			return nil, false, dataError(t, v, nil)
		}
		result := make([]interface{}, 0, len(items))
		for _, item := range items {
			// Arrays cannot hold NULL elements
			if item == nil {
				continue
			}
			c, cl, err := Coerce(*t.Elem, item)
			if err != nil {
				return nil, false, err
			}
			clamped = clamped || cl
			result = append(result, c)
		}
		return result, clamped, nil

	case KindRecord:
		in, ok := v.(map[string]interface{})
		if !ok {
			return nil, false, dataError(t, v, nil)
		}
		normalized := make(map[string]interface{}, len(in))
		for k, val := range in {
			normalized[SafeColumnName(k)] = val
		}
		result := make(map[string]interface{}, len(t.Fields))
		for _, f := range t.Fields {
			c, cl, err := Coerce(f.Type, normalized[f.Name])
			if err != nil {
				return nil, false, err
			}
			clamped = clamped || cl
			result[f.Name] = c
		}
		return result, clamped, nil
	}

	return nil, false, dataError(t, v, nil)
}

func coerceString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]interface{}, []interface{}:
		if data, err := json.Marshal(x); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

func coerceInteger(v interface{}) (interface{}, bool, error) {
	switch x := v.(type) {
	case int64:
		return x, false, nil
	case int:
		return int64(x), false, nil
	case json.Number:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return n, false, nil
		}
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, false, nil
		}
	}

	d, err := toDecimal(v)
	if err != nil {
		return nil, false, dataError(Scalar(KindInteger), v, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, false, dataError(Scalar(KindInteger), v, fmt.Errorf("value is not integral"))
	}
	switch {
	case d.GreaterThan(maxInt64):
		return int64(math.MaxInt64), true, nil
	case d.LessThan(minInt64):
		return int64(math.MinInt64), true, nil
	}
	return d.IntPart(), false, nil
}

func coerceFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, dataError(Scalar(KindFloat), v, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, dataError(Scalar(KindFloat), v, err)
		}
		return f, nil
	}
	return 0, dataError(Scalar(KindFloat), v, nil)
}

func coerceNumeric(v interface{}, precision, scale int) (interface{}, bool, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, false, dataError(Numeric(precision, scale), v, err)
	}
	d = d.Round(int32(scale))

	bound := NumericBound(precision, scale)
	switch {
	case d.GreaterThan(bound):
		return bound, true, nil
	case d.LessThan(bound.Neg()):
		return bound.Neg(), true, nil
	}
	return d, false, nil
}

func coerceBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, dataError(Scalar(KindBoolean), v, err)
		}
		return b, nil
	case json.Number:
		b, err := strconv.ParseBool(x.String())
		if err != nil {
			return false, dataError(Scalar(KindBoolean), v, err)
		}
		return b, nil
	}
	return false, dataError(Scalar(KindBoolean), v, nil)
}

func coerceTimestamp(v interface{}) (interface{}, bool, error) {
	switch x := v.(type) {
	case time.Time:
		return clampTimestamp(x.UTC())
	case string:
		ts, clamped, err := ParseTimestamp(x)
		if err != nil {
			return nil, false, dataError(Scalar(KindTimestamp), v, err)
		}
		return ts, clamped, nil
	}
	return nil, false, dataError(Scalar(KindTimestamp), v, nil)
}

// ParseTimestamp parses an RFC3339-style timestamp. Years past 9999 clamp to
// MaxTimestamp.
func ParseTimestamp(s string) (time.Time, bool, error) {
	if yearOverflow.MatchString(s) {
		return MaxTimestamp, true, nil
	}
	var firstErr error
	for _, layout := range timestampForm {
		ts, err := time.Parse(layout, s)
		if err == nil {
			t, clamped, _ := clampTimestamp(ts.UTC())
			return t.(time.Time), clamped, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, false, firstErr
}

func clampTimestamp(ts time.Time) (interface{}, bool, error) {
	switch {
	case ts.After(MaxTimestamp):
		return MaxTimestamp, true, nil
	case ts.Before(MinTimestamp):
		return MinTimestamp, true, nil
	}
	return ts, false, nil
}

func coerceTime(v interface{}) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		for _, layout := range timeForm {
			t, err := time.Parse(layout, x)
			if err == nil {
				return time.Duration(t.Hour())*time.Hour +
					time.Duration(t.Minute())*time.Minute +
					time.Duration(t.Second())*time.Second +
					time.Duration(t.Nanosecond()), nil
			}
		}
	}
	return 0, dataError(Scalar(KindTime), v, nil)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.New(x, 0), nil
	case int:
		return decimal.New(int64(x), 0), nil
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported numeric value of type %T", v)
}

func dataError(t LogicalType, v interface{}, cause error) error {
	msg := "value does not match column type"
	var err *nebulaerrors.Error
	if cause != nil {
		err = nebulaerrors.Wrap(cause, nebulaerrors.ErrorTypeData, msg)
	} else {
		err = nebulaerrors.New(nebulaerrors.ErrorTypeData, msg)
	}
	return err.WithDetail("type", t.String()).WithDetail("value", fmt.Sprintf("%v", v))
}
