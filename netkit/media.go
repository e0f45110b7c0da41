package netkit

import "strings"

// Media kinds which can be declared as the content or accept type of an [Endpoint]. The value is
// the header string sent on the wire.
type MediaType string

const (
	MediaJSON     MediaType = "application/json"
	MediaFormData MediaType = "multipart/form-data"
	// Historical wire value: a list of image types, sent verbatim.
	MediaImage MediaType = "image/jpeg, image/jpg, image/png"
)

func (m MediaType) String() string {
	return string(m)
}

// Authorization scheme required by an [Endpoint]. The value is the scheme prefix of the
// 'Authorization' header.
type AuthorizationType string

const (
	AuthNone   AuthorizationType = ""
	AuthBasic  AuthorizationType = "Basic"
	AuthBearer AuthorizationType = "Bearer"
)

// ParseAuthorizationType accepts "none", "basic" and "bearer" (any case), as used in configuration.
func ParseAuthorizationType(raw string) (AuthorizationType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return AuthNone, true
	case "basic":
		return AuthBasic, true
	case "bearer":
		return AuthBearer, true
	}
	return AuthNone, false
}
