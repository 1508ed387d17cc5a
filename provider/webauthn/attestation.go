package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// attestationObject is the CBOR-encoded structure navigator.credentials.
// create() returns on registration. Only the fields needed to recover the
// credential's public key are modeled; attestation-statement verification
// (trusting the authenticator's manufacturer) is out of scope.
type attestationObject struct {
	Fmt      string                 `cbor:"fmt"`
	AuthData []byte                 `cbor:"authData"`
	AttStmt  map[string]interface{} `cbor:"attStmt"`
}

// coseKey is the COSE_Key map for an EC2 (P-256) public key, per RFC 9053
// §7.1: kty=2, crv=1, x and y coordinates as byte strings.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

// ParseRegistration decodes a raw CBOR attestationObject and returns the
// credential's P-256 public key and the rpIdHash from its authenticator
// data, for the caller to persist under credentialID and later hand back
// through PublicKeyLookup.
func ParseRegistration(credentialID string, attestationObjectCBOR []byte) (*ecdsa.PublicKey, [32]byte, error) {
	var att attestationObject
	if err := cbor.Unmarshal(attestationObjectCBOR, &att); err != nil {
		return nil, [32]byte{}, fmt.Errorf("webauthn: decode attestationObject: %w", err)
	}
	if len(att.AuthData) < 37 {
		return nil, [32]byte{}, fmt.Errorf("webauthn: authData too short")
	}
	var rpIDHash [32]byte
	copy(rpIDHash[:], att.AuthData[:32])

	flags := att.AuthData[32]
	const flagAttestedCredentialData = 1 << 6
	if flags&flagAttestedCredentialData == 0 {
		return nil, [32]byte{}, fmt.Errorf("webauthn: no attested credential data")
	}

	// authData layout after the 37-byte header: 16-byte AAGUID, 2-byte
	// credential ID length, credential ID, then the CBOR-encoded COSE key.
	rest := att.AuthData[37:]
	if len(rest) < 18 {
		return nil, [32]byte{}, fmt.Errorf("webauthn: truncated attested credential data")
	}
	credIDLen := int(rest[16])<<8 | int(rest[17])
	rest = rest[18:]
	if len(rest) < credIDLen {
		return nil, [32]byte{}, fmt.Errorf("webauthn: truncated credential ID")
	}
	rest = rest[credIDLen:]

	var key coseKey
	if err := cbor.Unmarshal(rest, &key); err != nil {
		return nil, [32]byte{}, fmt.Errorf("webauthn: decode COSE key: %w", err)
	}
	if key.Kty != 2 || key.Crv != 1 {
		return nil, [32]byte{}, fmt.Errorf("webauthn: unsupported key type (want EC2/P-256)")
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(key.X),
		Y:     new(big.Int).SetBytes(key.Y),
	}
	return pub, rpIDHash, nil
}
