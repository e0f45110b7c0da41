package netkit

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"

	"github.com/google/go-querystring/query"
)

// Declarative description of a single HTTP call: target, media types, method, auth requirement,
// query parameters, body, and status code policy.
//
// Endpoints are usually produced by a named function per logical API call, then configured with
// the chained methods below before being handed to a [Factory]:
//
//	func GetProfile(id string) *netkit.Endpoint {
//		return netkit.MustEndpoint("https://api.example.com", "/profiles/"+id, netkit.MediaJSON, netkit.MediaJSON, http.MethodGet, netkit.AuthBearer).
//			SetRawRoute("/profiles/{id}")
//	}
//
// The chained methods mutate and return the same endpoint. An endpoint should not be changed once
// a request has been built from it, and is not safe for concurrent mutation.
type Endpoint struct {
	base          string
	route         string
	rawRoute      string
	url           *url.URL
	contentType   MediaType
	acceptType    MediaType
	method        string
	authorization AuthorizationType

	params  []Parameter
	body    []byte
	success []int
	inline  []int
}

// A single query parameter key, with one value, or a list of values.
type Parameter struct {
	Key    string
	Values []any
	// true once the key holds a list (two or more added values, or an explicit list)
	List bool
}

// NewEndpoint parses 'base+route' as the absolute URL of the endpoint. The URL needs a scheme and
// a host.
func NewEndpoint(base, route string, contentType, acceptType MediaType, method string, auth AuthorizationType) (*Endpoint, error) {
	u, err := url.Parse(base + route)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("empty scheme in endpoint URL: %q", base+route)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("empty hostname in endpoint URL: %q", base+route)
	}
	return &Endpoint{
		base:          base,
		route:         route,
		rawRoute:      route,
		url:           u,
		contentType:   contentType,
		acceptType:    acceptType,
		method:        method,
		authorization: auth,
	}, nil
}

// Like [NewEndpoint], but panics if the URL is invalid. Intended for endpoint constructors, where
// a bad URL is a programming error.
func MustEndpoint(base, route string, contentType, acceptType MediaType, method string, auth AuthorizationType) *Endpoint {
	ep, err := NewEndpoint(base, route, contentType, acceptType, method, auth)
	if err != nil {
		panic(err)
	}
	return ep
}

func (ep *Endpoint) Base() string                     { return ep.base }
func (ep *Endpoint) Route() string                    { return ep.route }
func (ep *Endpoint) ContentType() MediaType           { return ep.contentType }
func (ep *Endpoint) AcceptType() MediaType            { return ep.acceptType }
func (ep *Endpoint) Method() string                   { return ep.method }
func (ep *Endpoint) Authorization() AuthorizationType { return ep.authorization }

// Route template with placeholders left in place (eg "/home/{id}"). Only used for display and
// telemetry labels; never parsed.
func (ep *Endpoint) RawRoute() string { return ep.rawRoute }

// Returns a copy of the absolute URL ('base+route'), without query parameters.
func (ep *Endpoint) URL() *url.URL {
	u := *ep.url
	return &u
}

// Encoded request body, or nil.
func (ep *Endpoint) Body() []byte { return ep.body }

// Query parameters in key insertion order.
func (ep *Endpoint) Parameters() []Parameter {
	out := make([]Parameter, len(ep.params))
	for i, p := range ep.params {
		out[i] = Parameter{Key: p.Key, Values: slices.Clone(p.Values), List: p.List}
	}
	return out
}

func (ep *Endpoint) SuccessStatusCodes() []int { return slices.Clone(ep.success) }
func (ep *Endpoint) InlineStatusCodes() []int  { return slices.Clone(ep.inline) }

// Status codes which are treated as success for this endpoint.
func (ep *Endpoint) ValidStatusCodes() StatusSet {
	return NewStatusSet(ep.success...)
}

// Presentation style for an error response with the given status code.
func (ep *Endpoint) ErrorStyle(statusCode int) ErrorStyle {
	if slices.Contains(ep.inline, statusCode) {
		return StyleInline
	}
	return StyleAlert
}

func (ep *Endpoint) paramIndex(key string) int {
	for i := range ep.params {
		if ep.params[i].Key == key {
			return i
		}
	}
	return -1
}

// Adds a query parameter value. A nil value is ignored. A slice or array value (other than
// []byte) is stored as a list of its elements. Adding a value under an existing key turns it in to
// a list; further values are appended to the list.
func (ep *Endpoint) AddParameter(key string, value any) *Endpoint {
	if isNil(value) {
		return ep
	}
	vals, list := listValues(value)
	if !list {
		vals = []any{value}
	}
	idx := ep.paramIndex(key)
	if idx < 0 {
		ep.params = append(ep.params, Parameter{Key: key, Values: vals, List: list})
		return ep
	}
	p := &ep.params[idx]
	p.Values = append(p.Values, vals...)
	p.List = true
	return ep
}

// Sets the full list of values for a key, replacing anything already stored under it. Slice and
// array values are flattened in to the list.
func (ep *Endpoint) SetParameters(key string, values ...any) *Endpoint {
	flat := make([]any, 0, len(values))
	for _, v := range values {
		if elems, ok := listValues(v); ok {
			flat = append(flat, elems...)
			continue
		}
		flat = append(flat, v)
	}
	p := Parameter{Key: key, Values: flat, List: true}
	if idx := ep.paramIndex(key); idx >= 0 {
		ep.params[idx] = p
	} else {
		ep.params = append(ep.params, p)
	}
	return ep
}

// Encodes a struct with `url` field tags (github.com/google/go-querystring) and adds every
// resulting value with [Endpoint.AddParameter], in sorted key order. Encoding failures are logged
// and leave the endpoint unchanged.
func (ep *Endpoint) AddQuery(v any) *Endpoint {
	vals, err := query.Values(v)
	if err != nil {
		slog.Warn("failed to encode endpoint query", "route", ep.rawRoute, "err", err)
		return ep
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, val := range vals[k] {
			ep.AddParameter(k, val)
		}
	}
	return ep
}

// Encodes the value as the request body. If encoding fails, the failure is logged and the body is
// left as it was.
func (ep *Endpoint) SetBody(v any) *Endpoint {
	b, err := Encode(v)
	if err != nil {
		slog.Warn("failed to encode endpoint body", "route", ep.rawRoute, "err", err)
		return ep
	}
	ep.body = b
	return ep
}

// Replaces the set of status codes treated as success. With no codes, [200, 400) is accepted.
func (ep *Endpoint) SetSuccessCodes(codes ...int) *Endpoint {
	ep.success = slices.Clone(codes)
	return ep
}

// Replaces the set of error status codes which should be presented inline instead of as an alert.
func (ep *Endpoint) SetInlineCodes(codes ...int) *Endpoint {
	ep.inline = slices.Clone(codes)
	return ep
}

func (ep *Endpoint) SetRawRoute(rawRoute string) *Endpoint {
	ep.rawRoute = rawRoute
	return ep
}

// Set of accepted HTTP status codes. The zero value accepts the default range [200, 400).
type StatusSet struct {
	codes map[int]struct{}
}

func NewStatusSet(codes ...int) StatusSet {
	if len(codes) == 0 {
		return StatusSet{}
	}
	m := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return StatusSet{codes: m}
}

func (s StatusSet) Contains(code int) bool {
	if s.codes == nil {
		return code >= 200 && code < 400
	}
	_, ok := s.codes[code]
	return ok
}

// Whether this set is the default range rather than an explicit list.
func (s StatusSet) IsDefault() bool {
	return s.codes == nil
}
