package env

import (
	"fmt"
	"net/http"
)

const unset = "unset"

// Set at build time with '-ldflags "-X github.com/bluesky-social/netkit/pkg/env.Version=..."'.
var Version = unset

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%s\n", Version) // nolint:errcheck
}

func IsRelease() bool {
	return Version != unset
}

// UserAgent is sent on requests which netkit issues on its own behalf, such as session refreshes.
func UserAgent() string {
	if !IsRelease() {
		return "netkit/dev"
	}
	return "netkit/" + Version
}
