package netkit

import (
	"encoding"
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// Builds the absolute URL for an endpoint: 'base+route', plus one query item per parameter value.
//
// Parameters are emitted in key insertion order, and list values in list order. A value which is
// nil (or can not be rendered as a scalar) still emits its key, with no value ("?key"). Any query
// already present in the endpoint URL is kept, and parameters are appended after it.
func EndpointURL(ep *Endpoint) *url.URL {
	u := ep.URL()
	q := encodeQuery(ep.params)
	if q == "" {
		return u
	}
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + q
	} else {
		u.RawQuery = q
	}
	return u
}

func encodeQuery(params []Parameter) string {
	var items []string
	for _, p := range params {
		if !p.List {
			var v any
			if len(p.Values) > 0 {
				v = p.Values[0]
			}
			items = append(items, queryItem(p.Key, v))
			continue
		}
		for _, v := range p.Values {
			items = append(items, queryItem(p.Key, v))
		}
	}
	return strings.Join(items, "&")
}

func queryItem(key string, value any) string {
	s, ok := paramString(value)
	if !ok {
		return queryEscape(key)
	}
	return queryEscape(key) + "=" + queryEscape(s)
}

// Like url.QueryEscape, but a space is sent as "%20" rather than "+". A literal '+' is already
// escaped as "%2B", so every '+' in the output stands for a space.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Elements of a slice or array value. Byte slices are not lists.
func listValues(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	ref := reflect.ValueOf(value)
	if ref.Kind() != reflect.Slice && ref.Kind() != reflect.Array {
		return nil, false
	}
	if ref.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, ref.Len())
	for i := range out {
		out[i] = ref.Index(i).Interface()
	}
	return out, true
}

// Renders a scalar parameter value. Returns false for nil, and for values which are not scalars.
func paramString(value any) (string, bool) {
	if isNil(value) {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case bool, int, uint, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v), true
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		if err != nil {
			return "", false
		}
		return string(b), true
	case fmt.Stringer:
		return v.String(), true
	}
	ref := reflect.ValueOf(value)
	if ref.Kind() == reflect.Pointer {
		return paramString(ref.Elem().Interface())
	}
	switch ref.Kind() {
	case reflect.String:
		return ref.String(), true
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(value), true
	}
	return "", false
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	ref := reflect.ValueOf(value)
	switch ref.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return ref.IsNil()
	}
	return false
}
