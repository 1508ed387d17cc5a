package token

import "errors"

// Internal token error kinds, per spec §7's taxonomy. These are distinct
// from the RFC 6749 grant-level error codes: a caller translating one of
// these into an HTTP response at /token maps it onto invalid_grant; a
// caller in the client library or /userinfo surfaces it directly.
var (
	ErrInvalidAccessToken       = errors.New("token: invalid access token")
	ErrInvalidRefreshToken      = errors.New("token: invalid refresh token")
	ErrInvalidAuthorizationCode = errors.New("token: invalid authorization code")
	ErrInvalidSubject           = errors.New("token: invalid subject")
)
