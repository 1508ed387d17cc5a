package issuer

import "fmt"

// UnknownStateError reports a lost or expired conversation: the
// openauth_state cookie named a request ID with no corresponding record,
// per spec §7's internal error taxonomy.
type UnknownStateError struct{}

func (UnknownStateError) Error() string { return "issuer: unknown or expired conversation state" }

// MissingParameterError reports a required /authorize or /token parameter
// that was absent from the request.
type MissingParameterError struct{ Name string }

func (e MissingParameterError) Error() string {
	return fmt.Sprintf("issuer: missing parameter %q", e.Name)
}

// UnauthorizedClientError reports a client_id/redirect_uri pair the issuer
// doesn't recognize as registered together.
type UnauthorizedClientError struct{ ClientID, RedirectURI string }

func (e UnauthorizedClientError) Error() string {
	return fmt.Sprintf("issuer: client %q not authorized for redirect_uri %q", e.ClientID, e.RedirectURI)
}
