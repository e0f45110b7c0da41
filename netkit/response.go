package netkit

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// A completed exchange whose status code was accepted by the endpoint.
type NetworkResponse struct {
	URL        *url.URL
	StatusCode int
	Method     string
	Header     http.Header
	// raw response body; nil when the response had none
	Data []byte
}

// Loosely-typed view of a JSON object body. Returns an empty map when there is no body, or the
// body is not a JSON object.
func (r *NetworkResponse) Dictionary() map[string]any {
	out := map[string]any{}
	if len(r.Data) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(r.Data, &m); err != nil || m == nil {
		return out
	}
	return m
}

// Decodes the JSON body in to 'out'.
func (r *NetworkResponse) Decode(out any) error {
	return json.Unmarshal(r.Data, out)
}

// One part of a multipart upload.
type FormData struct {
	Data []byte
	// form field name
	Name string
	Mime MediaType
	// optional; included in the Content-Disposition header when set
	FileName string
}
