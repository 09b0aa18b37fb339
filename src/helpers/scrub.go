package helpers

import (
	"math"
	"reflect"
)

// ScrubNonFinite walks v in place and replaces every NaN or infinite float
// reachable through a pointer, map or interface with nil. It returns the
// number of values it cleared.
//
// Plain float64 struct fields cannot hold null; events keep their numbers
// behind pointers so that every upstream-derived value can be cleared here.
func ScrubNonFinite(v interface{}) int {
	if v == nil {
		return 0
	}
	return scrubValue(reflect.ValueOf(v))
}

func scrubValue(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return 0
		}
		elem := v.Elem()
		if isFloat(elem.Kind()) {
			if !IsFinite(elem.Float()) && v.CanSet() {
				v.Set(reflect.Zero(v.Type()))
				return 1
			}
			return 0
		}
		return scrubValue(elem)

	case reflect.Interface:
		if v.IsNil() {
			return 0
		}
		inner := v.Elem()
		if isFloat(inner.Kind()) {
			if !IsFinite(inner.Float()) && v.CanSet() {
				v.Set(reflect.Zero(v.Type()))
				return 1
			}
			return 0
		}
		// Interface contents are not addressable, rebuild when needed.
		if inner.Kind() == reflect.Map || inner.Kind() == reflect.Slice || inner.Kind() == reflect.Ptr {
			return scrubValue(inner)
		}
		return 0

	case reflect.Struct:
		n := 0
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				continue
			}
			n += scrubValue(f)
		}
		return n

	case reflect.Slice, reflect.Array:
		n := 0
		for i := 0; i < v.Len(); i++ {
			n += scrubValue(v.Index(i))
		}
		return n

	case reflect.Map:
		n := 0
		iter := v.MapRange()
		for iter.Next() {
			val := iter.Value()
			switch {
			case isFloat(val.Kind()):
				if !IsFinite(val.Float()) {
					v.SetMapIndex(iter.Key(), reflect.Zero(v.Type().Elem()))
					n++
				}
			case val.Kind() == reflect.Ptr && !val.IsNil() && isFloat(val.Elem().Kind()):
				if !IsFinite(val.Elem().Float()) {
					v.SetMapIndex(iter.Key(), reflect.Zero(v.Type().Elem()))
					n++
				}
			case val.Kind() == reflect.Interface && !val.IsNil() && isFloat(val.Elem().Kind()):
				if !IsFinite(val.Elem().Float()) {
					v.SetMapIndex(iter.Key(), reflect.Zero(v.Type().Elem()))
					n++
				}
			case val.Kind() == reflect.Struct:
				// Map values are not addressable: scrub a copy and store it back.
				cp := reflect.New(val.Type()).Elem()
				cp.Set(val)
				if c := scrubValue(cp); c > 0 {
					v.SetMapIndex(iter.Key(), cp)
					n += c
				}
			default:
				n += scrubValue(val)
			}
		}
		return n
	}
	return 0
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float64 || k == reflect.Float32
}

// IsFinite reports whether f is neither NaN nor infinite.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
