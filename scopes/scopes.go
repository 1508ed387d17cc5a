// Package scopes implements the Scope Validator: parsing of space-delimited
// scope strings and narrowing at token-request time, per spec §4 and the
// concrete semantics of spec §8 scenario 6. Adapted from dexidp/dex's
// scope.Scopes helper, which modeled the same space-delimited convention
// for a fixed set of well-known OIDC scopes.
package scopes

import "strings"

// Parse splits a space-delimited scope string into its members, the way
// RFC 6749 §3.3 defines the "scope" parameter's wire format.
func Parse(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	out = append(out, fields...)
	return out
}

// Validate narrows a requested scope string against the scopes a client (or
// its authorization grant) is actually authorized for, following the fixed
// rule spec §8 scenario 6 pins down:
//
//   - requested == "" or nil: the full authorized set is granted unchanged.
//   - requested is non-empty: only the intersection of requested and
//     authorized is granted (order follows authorized, not requested).
//   - authorized == nil: the result is nil regardless of what was
//     requested — there's nothing to narrow against, and nil is reported
//     so callers can tell "not configured" apart from "narrowed to
//     nothing".
func Validate(requested *string, authorized []string) []string {
	if authorized == nil {
		// No authorized-scope list configured: there's nothing to narrow
		// against, so the caller's request passes through untouched by
		// this function — reported as nil, not as the requested scopes,
		// so callers can tell "not configured" apart from "narrowed to
		// nothing".
		return nil
	}
	if requested == nil || *requested == "" {
		return authorized
	}

	want := make(map[string]struct{})
	for _, s := range Parse(*requested) {
		want[s] = struct{}{}
	}

	out := make([]string, 0, len(authorized))
	for _, s := range authorized {
		if _, ok := want[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Contains reports whether every scope in want is present in have.
func Contains(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
