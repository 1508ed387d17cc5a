package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dexidp/openauth/issuer"
)

// Config is the top-level shape of the daemon's YAML configuration file,
// unmarshaled with ghodss/yaml the same way dexidp/dex's own cmd/dex
// Config is.
type Config struct {
	Issuer   string `json:"issuer"`
	BasePath string `json:"basePath"`

	Web struct {
		HTTPAddr  string `json:"httpAddr"`
		HTTPSAddr string `json:"httpsAddr"`
		TLSCert   string `json:"tlsCert"`
		TLSKey    string `json:"tlsKey"`
	} `json:"web"`

	Telemetry struct {
		Addr string `json:"addr"`
	} `json:"telemetry"`

	Logger struct {
		Level  string `json:"level"`  // debug, info, warn, error
		Format string `json:"format"` // json, text
	} `json:"logger"`

	Storage StorageConfig `json:"storage"`

	Keys struct {
		RefreshInterval time.Duration `json:"refreshInterval"`
	} `json:"keys"`

	Token struct {
		AccessTTL     time.Duration `json:"accessTTL"`
		RefreshTTL    time.Duration `json:"refreshTTL"`
		ReuseInterval time.Duration `json:"reuseInterval"`
		Retention     time.Duration `json:"retention"`
	} `json:"token"`

	Mailer MailerConfig `json:"mailer"`

	StaticClients []ClientConfig   `json:"staticClients"`
	Providers     []ProviderConfig `json:"providers"`
}

// ClientConfig mirrors issuer.Client, adding the IDEnv/SecretEnv
// indirection dexidp/dex's own cmd/dex Config uses for StaticClients, so a
// secret never has to sit in the config file checked into a repo.
type ClientConfig struct {
	Name      string   `json:"name"`
	ID        string   `json:"id"`
	IDEnv     string   `json:"idEnv"`
	Secret    string   `json:"secret"`
	SecretEnv string   `json:"secretEnv"`
	Public    bool     `json:"public"`
	Redirects []string `json:"redirectURIs"`
	Scopes    []string `json:"scopes"`
}

func (c *ClientConfig) resolve() (issuer.Client, error) {
	if c.Name == "" {
		return issuer.Client{}, fmt.Errorf("invalid config: name field is required for a client")
	}
	id := c.ID
	if c.IDEnv != "" {
		if c.ID != "" {
			return issuer.Client{}, fmt.Errorf("invalid config: id and idEnv are exclusive for client %q", c.Name)
		}
		id = os.Getenv(c.IDEnv)
	}
	if id == "" {
		return issuer.Client{}, fmt.Errorf("invalid config: id or idEnv is required for client %q", c.Name)
	}
	secret := c.Secret
	if c.SecretEnv != "" {
		if c.Secret != "" {
			return issuer.Client{}, fmt.Errorf("invalid config: secret and secretEnv are exclusive for client %q", c.Name)
		}
		secret = os.Getenv(c.SecretEnv)
	}
	if secret == "" && !c.Public {
		return issuer.Client{}, fmt.Errorf("invalid config: secret or secretEnv is required for client %q", c.Name)
	}
	return issuer.Client{
		ID:           id,
		Secret:       secret,
		Public:       c.Public,
		RedirectURIs: c.Redirects,
		Scopes:       c.Scopes,
	}, nil
}

// checkError is one entry in a Validate pass, following the
// collect-every-failure-before-returning idiom of dexidp/dex's own
// cmd/dex Config.Validate.
type checkError struct {
	bad    bool
	errMsg string
}

// Validate reports every configuration problem it finds, joined into one
// error, rather than stopping at the first.
func (c Config) Validate() error {
	checks := []checkError{
		{c.Issuer == "", "no issuer specified in config"},
		{c.Storage.Type == "", "no storage type specified in config"},
	}

	var msgs []string
	for _, chk := range checks {
		if chk.bad {
			msgs = append(msgs, chk.errMsg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	err := fmt.Errorf("invalid config:")
	for _, m := range msgs {
		err = fmt.Errorf("%w\n\t- %s", err, m)
	}
	return err
}
