package webauthn

import "github.com/dexidp/openauth/provider"

func randomChallenge() (string, error) {
	return provider.RandomDigits(challengeDigits)
}
