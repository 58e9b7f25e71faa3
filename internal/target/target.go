// Package target resolves and launches the things a schedule acts upon.
//
// A target reference is "scheme:name", e.g. "exec:backup" or
// "systemd:nginx.service". A reference without a scheme uses the Mux
// default scheme.
package target

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("target not found")
	ErrUnknownScheme = errors.New("unknown target scheme")
	ErrUnsupported   = errors.New("target scheme not supported on this platform")
)

const (
	SchemeExec    = "exec"
	SchemeSystemd = "systemd"
)

// Target is one launchable entry offered for selection.
type Target struct {
	Ref    string `json:"ref"`
	Label  string `json:"label"`
	Scheme string `json:"scheme"`
}

// Resolver is consulted when a schedule is created (Exists, DisplayName)
// and when it fires (Launch).
type Resolver interface {
	Exists(ctx context.Context, ref string) (bool, error)
	DisplayName(ctx context.Context, ref string) (string, error)
	Launch(ctx context.Context, ref string) error
}

type Lister interface {
	List(ctx context.Context) ([]Target, error)
}

// SplitRef returns the scheme and name of ref. A ref without a scheme gets
// def.
func SplitRef(ref, def string) (scheme, name string) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexByte(ref, ':'); i > 0 {
		return strings.ToLower(ref[:i]), strings.TrimSpace(ref[i+1:])
	}
	return def, ref
}

// JoinRef is the canonical form of (scheme, name).
func JoinRef(scheme, name string) string { return scheme + ":" + name }
