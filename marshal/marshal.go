// Package marshal reinterprets raw pointer-sized values as typed Go
// values.
package marshal

import (
	"fmt"
	"math/bits"
	"reflect"
)

// ExitType is the set of types a pointer-sized thread result can be
// reinterpreted as. Wider-than-word types are rejected at runtime on
// platforms where they do not fit.
type ExitType interface {
	~bool |
		~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// IncompatibleTypeError reports a requested type that cannot be
// represented by a pointer-sized value on this platform.
type IncompatibleTypeError struct {
	Type reflect.Type
}

func (e *IncompatibleTypeError) Error() string {
	return fmt.Sprintf("type %s is not pointer-sized compatible", e.Type)
}

// Interpret reinterprets raw as T. Integers narrower than the raw
// value are truncated to their width, with sign extension for signed
// types; booleans report raw != 0.
func Interpret[T ExitType](raw uintptr) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()

	switch rv.Kind() {
	case reflect.Bool:
		rv.SetBool(raw != 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		width := rv.Type().Bits()
		if width > bits.UintSize {
			return out, &IncompatibleTypeError{Type: rv.Type()}
		}
		// Shift through 64 bits to sign-extend the truncated value.
		v := int64(uint64(raw)<<(64-width)) >> (64 - width)
		rv.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		width := rv.Type().Bits()
		if width > bits.UintSize {
			return out, &IncompatibleTypeError{Type: rv.Type()}
		}
		v := uint64(raw)
		if width < 64 {
			v &= 1<<width - 1
		}
		rv.SetUint(v)
	default:
		return out, &IncompatibleTypeError{Type: rv.Type()}
	}

	return out, nil
}
