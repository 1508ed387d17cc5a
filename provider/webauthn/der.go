package webauthn

import (
	"encoding/asn1"
	"math/big"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// parseECDSADER decodes the DER ECDSA-Sig-Value WebAuthn assertions carry
// their signature as, into its (r, s) components.
func parseECDSADER(der []byte) (r, s *big.Int, err error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}
