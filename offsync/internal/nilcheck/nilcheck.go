// Package nilcheck detects nil collaborators, including typed-nil pointers
// stored in interfaces, before constructors accept them.
package nilcheck

import "reflect"

// Interface reports whether value is nil or wraps a nil pointer, map, slice,
// channel or func. A typed-nil store passed as kv.Store is therefore nil.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
