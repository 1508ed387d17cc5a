// Package saml implements the SAML identity provider: it renders the
// IdP-sign-on form with a RelayState nonce and validates the IdP's POSTed
// assertion, per spec §4.5. Adapted from dexidp/dex's connector/saml
// package, which drove the same protocol as a federated-login connector;
// this provider instead drives it as one conversation in the Provider
// Protocol, with signature validation mandatory rather than optional and
// an xml-roundtrip-validator pass ahead of signature checking to close the
// XML canonicalization attacks that plain XML-DSig parsing is vulnerable
// to.
package saml

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/beevik/etree"
	"github.com/gorilla/mux"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/dexidp/openauth/provider"
)

const slotRelayState = "relay_state"
const relayStateTTLSeconds = 5 * 60

// SubjectFunc builds the claims returned for a verified assertion's nameID
// and attributes.
type SubjectFunc func(nameID string, attributes map[string]string) json.RawMessage

// certStore adapts a fixed certificate list to dsig.X509CertificateStore.
type certStore []*x509.Certificate

func (c certStore) Certificates() ([]*x509.Certificate, error) { return c, nil }

// Provider is the SAML identity provider.
type Provider struct {
	name string

	ssoURL      string
	issuer      string
	redirectURI string
	emailAttr   string

	validator *dsig.ValidationContext
	now       func() time.Time

	Subject SubjectFunc

	// RenderForm produces the auto-submitting HTML form that POSTs the
	// AuthnRequest to ssoURL, binding relayState.
	RenderForm func(ssoURL, samlRequest, relayState string) []byte
}

// Config configures a SAML Provider.
type Config struct {
	SSOURL      string
	Issuer      string
	RedirectURI string
	EmailAttr   string // defaults to "email"
	CACertPEM   []byte // IdP signing certificate chain, required
}

// New constructs a SAML Provider named name from cfg.
func New(name string, cfg Config, subject SubjectFunc) (*Provider, error) {
	certs, err := parseCertificates(cfg.CACertPEM)
	if err != nil {
		return nil, fmt.Errorf("saml: parse CA certificates: %w", err)
	}
	emailAttr := cfg.EmailAttr
	if emailAttr == "" {
		emailAttr = "email"
	}
	return &Provider{
		name:        name,
		ssoURL:      cfg.SSOURL,
		issuer:      cfg.Issuer,
		redirectURI: cfg.RedirectURI,
		emailAttr:   emailAttr,
		validator:   dsig.NewDefaultValidationContext(certStore(certs)),
		now:         time.Now,
		Subject:     subject,
	}, nil
}

func parseCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

func (p *Provider) Type() string { return p.name }

// EntryPath is the sub-route the issuer redirects a browser to when this
// provider is chosen at /authorize, satisfying issuer.RedirectProvider.
func (p *Provider) EntryPath() string { return "/start" }

func (p *Provider) Init(routes *mux.Router, ctx *provider.Context) {
	routes.HandleFunc("/start", p.handleStart(ctx)).Methods(http.MethodPost, http.MethodGet)
	routes.HandleFunc("/acs", p.handleACS(ctx)).Methods(http.MethodPost)
}

func (p *Provider) handleStart(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		relayState, err := randomNonce()
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		if err := provider.Set(r.Context(), ctx, requestID, slotRelayState, relayStateTTLSeconds, relayState); err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}

		req := &authnRequest{
			ID:              "_" + mustUUID(),
			IssueInstant:    xmlTime(p.now()),
			Destination:     p.ssoURL,
			ProtocolBinding: "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
			Issuer:          &issuer{Issuer: p.issuer},
			NameIDPolicy:    &nameIDPolicy{AllowCreate: true, Format: "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"},
		}
		data, err := xml.Marshal(req)
		if err != nil {
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}

		encoded := base64.StdEncoding.EncodeToString(data)
		ctx.Forward(w, r, p.RenderForm(p.ssoURL, encoded, relayState), "text/html; charset=utf-8")
	}
}

func (p *Provider) handleACS(ctx *provider.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		samlResponse := r.PostForm.Get("SAMLResponse")
		relayState := r.PostForm.Get("RelayState")

		expected, err := provider.Get[string](r.Context(), ctx, requestID, slotRelayState)
		if err != nil || expected != relayState {
			http.Error(w, "invalid RelayState", http.StatusUnauthorized)
			return
		}

		rawResp, err := base64.StdEncoding.DecodeString(samlResponse)
		if err != nil {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		if err := xrv.Validate(bytes.NewReader(rawResp)); err != nil {
			http.Error(w, "malformed XML", http.StatusBadRequest)
			return
		}

		signed, err := p.verify(rawResp)
		if err != nil {
			http.Error(w, fmt.Sprintf("verify signature: %v", err), http.StatusUnauthorized)
			return
		}

		var resp response
		if err := xml.Unmarshal(signed, &resp); err != nil {
			http.Error(w, "malformed response", http.StatusBadRequest)
			return
		}
		if resp.Destination != "" && resp.Destination != p.redirectURI {
			http.Error(w, "unexpected destination", http.StatusUnauthorized)
			return
		}
		if resp.Assertion == nil || resp.Assertion.Subject == nil || resp.Assertion.Subject.NameID == nil {
			http.Error(w, "response missing subject", http.StatusBadRequest)
			return
		}
		nameID := resp.Assertion.Subject.NameID.Value
		if nameID == "" {
			http.Error(w, "empty NameID", http.StatusBadRequest)
			return
		}

		attrs := map[string]string{}
		if stmt := resp.Assertion.AttributeStatement; stmt != nil {
			if email, ok := stmt.get(p.emailAttr); ok {
				attrs["email"] = email
			}
		}

		_ = ctx.Unset(r.Context(), requestID, slotRelayState)
		ctx.Success(w, r, requestID, provider.Result{Provider: p.name, Value: claimsValue{Claims: p.Subject(nameID, attrs)}})
	}
}

type claimsValue struct {
	Claims json.RawMessage `json:"claims"`
}

// verify validates the XML-DSig signature on data and returns the signed
// subtree.
func (p *Provider) verify(data []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	result, err := p.validator.Validate(doc.Root())
	if err != nil {
		return nil, err
	}
	doc.SetRoot(result)
	return doc.WriteToBytes()
}

func randomNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("saml: read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func mustUUID() string {
	u := make([]byte, 16)
	if _, err := rand.Read(u); err != nil {
		panic(err)
	}
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	r := make([]byte, 36)
	r[8], r[13], r[18], r[23] = '-', '-', '-', '-'
	hex.Encode(r, u[0:4])
	hex.Encode(r[9:], u[4:6])
	hex.Encode(r[14:], u[6:8])
	hex.Encode(r[19:], u[8:10])
	hex.Encode(r[24:], u[10:])
	return string(r)
}
