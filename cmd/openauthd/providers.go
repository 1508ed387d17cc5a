package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"

	"github.com/dexidp/openauth/mailer"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/provider/emailcode"
	"github.com/dexidp/openauth/provider/magiclink"
	"github.com/dexidp/openauth/provider/oauth2"
	"github.com/dexidp/openauth/provider/oidc"
	"github.com/dexidp/openauth/provider/password"
	"github.com/dexidp/openauth/provider/saml"
	"github.com/dexidp/openauth/provider/siwe"
	"github.com/dexidp/openauth/provider/webauthn"
	"github.com/dexidp/openauth/web"
)

// ProviderConfig configures one mounted identity provider, per spec §4.5.
// Name is the mount point (issuer.Config's providers map key); Type
// selects which driver below reads its nested block.
type ProviderConfig struct {
	Name string `json:"name"`
	Type string `json:"type"` // oauth2, oidc, password, emailcode, magiclink, siwe, webauthn, saml

	OAuth2 struct {
		ClientID     string   `json:"clientID"`
		ClientSecret string   `json:"clientSecret"`
		RedirectURL  string   `json:"redirectURL"`
		AuthURL      string   `json:"authURL"`
		TokenURL     string   `json:"tokenURL"`
		Scopes       []string `json:"scopes"`
		FormPost     bool     `json:"formPost"`
	} `json:"oauth2"`

	OIDC struct {
		Issuer               string   `json:"issuer"`
		ClientID             string   `json:"clientID"`
		ClientSecret         string   `json:"clientSecret"`
		RedirectURL          string   `json:"redirectURL"`
		Scopes               []string `json:"scopes"`
		BasicAuthUnsupported bool     `json:"basicAuthUnsupported"`
	} `json:"oidc"`

	Password struct {
		Hasher string `json:"hasher"` // "scrypt" (default) or "pbkdf2"
		From   string `json:"from"`
	} `json:"password"`

	EmailCode struct {
		From string `json:"from"`
	} `json:"emailCode"`

	MagicLink struct {
		From      string `json:"from"`
		PublicURL string `json:"publicURL"`
	} `json:"magicLink"`

	SIWE struct {
		Domain string `json:"domain"`
	} `json:"siwe"`

	WebAuthn struct {
		Origin          string `json:"origin"`
		RPID            string `json:"rpID"`
		CredentialsFile string `json:"credentialsFile"`
	} `json:"webauthn"`

	SAML struct {
		SSOURL      string `json:"ssoURL"`
		Issuer      string `json:"issuer"`
		RedirectURI string `json:"redirectURI"`
		EmailAttr   string `json:"emailAttr"`
		CACertFile  string `json:"caCertFile"`
	} `json:"saml"`
}

// claims marshals a flat set of fields into the json.RawMessage shape
// every provider's Subject hook returns, so a deployment's subject.Schema
// sees the same {"field": value, ...} object regardless of which provider
// authenticated the request.
func claims(fields map[string]any) json.RawMessage {
	b, err := json.Marshal(fields)
	if err != nil {
		// fields is built from string/bool values only; this cannot fail.
		panic(err)
	}
	return b
}

// build constructs the provider.Provider this entry describes.
func (pc ProviderConfig) build(ctx context.Context, mail mailer.Mailer) (provider.Provider, error) {
	if pc.Name == "" {
		return nil, fmt.Errorf("invalid config: provider entry missing name")
	}

	switch pc.Type {
	case "oauth2":
		return oauth2.New(pc.Name, oauth2.Config{
			ClientID:     pc.OAuth2.ClientID,
			ClientSecret: pc.OAuth2.ClientSecret,
			RedirectURL:  pc.OAuth2.RedirectURL,
			AuthURL:      pc.OAuth2.AuthURL,
			TokenURL:     pc.OAuth2.TokenURL,
			Scopes:       pc.OAuth2.Scopes,
			FormPost:     pc.OAuth2.FormPost,
		}), nil

	case "oidc":
		return oidc.Open(ctx, pc.Name, oidc.Config{
			Issuer:               pc.OIDC.Issuer,
			ClientID:             pc.OIDC.ClientID,
			ClientSecret:         pc.OIDC.ClientSecret,
			RedirectURL:          pc.OIDC.RedirectURL,
			Scopes:               pc.OIDC.Scopes,
			BasicAuthUnsupported: pc.OIDC.BasicAuthUnsupported,
		}, func(c oidc.Claims, rawIDToken string) (json.RawMessage, error) {
			return claims(map[string]any{
				"sub":            c.Subject,
				"name":           c.Name,
				"email":          c.Email,
				"email_verified": c.EmailVerified,
			}), nil
		})

	case "password":
		if mail == nil {
			return nil, fmt.Errorf("invalid config: provider %q needs a mailer configured", pc.Name)
		}
		hasher, err := passwordHasher(pc.Password.Hasher)
		if err != nil {
			return nil, err
		}
		p := password.New(pc.Name, hasher, mail, pc.Password.From)
		p.Subject = func(email string) json.RawMessage { return claims(map[string]any{"email": email}) }
		p.RenderRegisterSent = func(requestID string) []byte {
			return web.RenderMessage(web.MessageData{
				Title:   "Check your email",
				Message: "We've sent you a confirmation code.",
			})
		}
		return p, nil

	case "emailcode":
		if mail == nil {
			return nil, fmt.Errorf("invalid config: provider %q needs a mailer configured", pc.Name)
		}
		p := emailcode.New(pc.Name, mail, pc.EmailCode.From)
		p.Request = func(r *http.Request) (string, emailcode.Claims, error) {
			email := r.FormValue("email")
			if email == "" {
				return "", nil, fmt.Errorf("email is required")
			}
			return email, claims(map[string]any{"email": email}), nil
		}
		p.Subject = func(email string) emailcode.Claims { return claims(map[string]any{"email": email}) }
		p.Render = func(requestID string, codeSent bool) []byte {
			if !codeSent {
				return web.RenderForm(web.FormData{
					Title:  "Sign in",
					Action: "/" + pc.Name + "/start?request_id=" + requestID,
					Submit: "Send code",
					Fields: []web.Field{{Name: "email", Label: "Email", Type: "email", Required: true}},
				})
			}
			return web.RenderForm(web.FormData{
				Title:  "Enter your code",
				Action: "/" + pc.Name + "/verify?request_id=" + requestID,
				Submit: "Verify",
				Fields: []web.Field{{Name: "code", Label: "Code", Type: "text", Required: true}},
			})
		}
		return p, nil

	case "magiclink":
		if mail == nil {
			return nil, fmt.Errorf("invalid config: provider %q needs a mailer configured", pc.Name)
		}
		p := magiclink.New(pc.Name, mail, pc.MagicLink.From, pc.MagicLink.PublicURL)
		p.Request = func(r *http.Request) (string, magiclink.Claims, error) {
			email := r.FormValue("email")
			if email == "" {
				return "", nil, fmt.Errorf("email is required")
			}
			return email, claims(map[string]any{"email": email}), nil
		}
		p.Subject = func(email string) magiclink.Claims { return claims(map[string]any{"email": email}) }
		p.RenderSent = func(requestID string) []byte {
			return web.RenderMessage(web.MessageData{
				Title:   "Check your email",
				Message: "We've sent you a sign-in link.",
			})
		}
		return p, nil

	case "siwe":
		p := siwe.New(pc.Name, pc.SIWE.Domain, func(address string) json.RawMessage {
			return claims(map[string]any{"address": address})
		})
		p.RenderChallenge = func(requestID, nonce string) []byte {
			return web.RenderForm(web.FormData{
				Title:     "Sign in with Ethereum",
				Action:    "/" + pc.Name + "/verify?request_id=" + requestID,
				RequestID: requestID,
				Submit:    "Sign",
				Fields:    []web.Field{{Name: "message", Label: "message", Type: "hidden"}, {Name: "signature", Label: "signature", Type: "hidden"}},
			})
		}
		return p, nil

	case "webauthn":
		lookup, err := webauthnLookup(pc.WebAuthn.CredentialsFile, pc.WebAuthn.RPID)
		if err != nil {
			return nil, err
		}
		p := webauthn.New(pc.Name, lookup, func(credentialID string) json.RawMessage {
			return claims(map[string]any{"credential_id": credentialID})
		}, pc.WebAuthn.Origin)
		p.RenderChallenge = func(requestID, challenge string) []byte {
			return web.RenderMessage(web.MessageData{Title: "Sign in with a passkey", Message: challenge})
		}
		return p, nil

	case "saml":
		caCert, err := os.ReadFile(pc.SAML.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("invalid config: reading SAML CA cert for provider %q: %w", pc.Name, err)
		}
		p, err := saml.New(pc.Name, saml.Config{
			SSOURL:      pc.SAML.SSOURL,
			Issuer:      pc.SAML.Issuer,
			RedirectURI: pc.SAML.RedirectURI,
			EmailAttr:   pc.SAML.EmailAttr,
			CACertPEM:   caCert,
		}, func(nameID string, attributes map[string]string) json.RawMessage {
			fields := map[string]any{"name_id": nameID}
			for k, v := range attributes {
				fields[k] = v
			}
			return claims(fields)
		})
		if err != nil {
			return nil, err
		}
		p.RenderForm = func(ssoURL, samlRequest, relayState string) []byte {
			return web.RenderForm(web.FormData{
				Title:     "Redirecting",
				Action:    ssoURL,
				RequestID: relayState,
				Submit:    "Continue",
				Fields: []web.Field{
					{Name: "SAMLRequest", Label: "SAMLRequest", Type: "hidden"},
					{Name: "RelayState", Label: "RelayState", Type: "hidden"},
				},
			})
		}
		return p, nil

	default:
		return nil, fmt.Errorf("invalid config: unknown provider type %q for provider %q", pc.Type, pc.Name)
	}
}

func passwordHasher(name string) (password.Hasher, error) {
	switch name {
	case "", "scrypt":
		return password.NewScryptHasher(), nil
	case "pbkdf2":
		return password.NewPBKDF2Hasher(), nil
	default:
		return nil, fmt.Errorf("invalid config: unknown password hasher %q", name)
	}
}

// credentialRecord is one entry of a webauthn credentials file: a
// registered passkey's public key, keyed by credential ID in the file
// itself. The relying-party ID is not stored here; it comes from the
// provider's configuration.
type credentialRecord struct {
	PublicKeyPEM string `json:"publicKeyPEM"`
}

// webauthnLookup loads a JSON map of credential ID -> credentialRecord
// from path once at startup and serves webauthn.PublicKeyLookup from it.
// Deployments that provision passkeys dynamically implement their own
// PublicKeyLookup directly against webauthn.New instead of going through
// this daemon's static-file convenience path.
func webauthnLookup(path, rpID string) (webauthn.PublicKeyLookup, error) {
	rpIDHash := sha256.Sum256([]byte(rpID))

	if path == "" {
		return func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, [32]byte, error) {
			return nil, [32]byte{}, fmt.Errorf("webauthn: no credentials file configured")
		}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config: reading webauthn credentials file: %w", err)
	}
	var records map[string]credentialRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("invalid config: parsing webauthn credentials file: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(records))
	for id, rec := range records {
		block, _ := pem.Decode([]byte(rec.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("invalid config: credential %q has no PEM block", id)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid config: credential %q: %w", id, err)
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("invalid config: credential %q is not an EC public key", id)
		}
		keys[id] = ecPub
	}

	return func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, [32]byte, error) {
		pub, ok := keys[credentialID]
		if !ok {
			return nil, [32]byte{}, fmt.Errorf("webauthn: unknown credential %q", credentialID)
		}
		return pub, rpIDHash, nil
	}, nil
}
