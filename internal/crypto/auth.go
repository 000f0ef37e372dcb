package crypto

import (
	"crypto/subtle"
	"errors"

	"github.com/google/uuid"
)

const (
	labelPassword = "branchnet:password:v1"
	labelAuth     = "branchnet:auth:v2"

	ChallengeSize = 32
)

// PasswordHash is the only form of the network password kept in memory.
func PasswordHash(password string) []byte {
	return KDF(labelPassword, []byte(password))
}

func NewChallenge() ([]byte, error) {
	return RandomBytes(ChallengeSize)
}

// Solve answers a challenge with knowledge of the password hash. The
// answer is bound to the solving and the verifying branch, so a solution
// obtained on one connection is worthless on any other.
func Solve(challenge, passwordHash []byte, solver, verifier uuid.UUID) ([]byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, errors.New("bad challenge size")
	}
	if len(passwordHash) == 0 {
		return nil, errors.New("empty password hash")
	}
	return KDF(labelAuth, challenge, passwordHash, solver[:], verifier[:]), nil
}

// VerifySolution compares a solution received from solver against the
// expected one in constant time.
func VerifySolution(challenge, passwordHash []byte, solver, verifier uuid.UUID, solution []byte) bool {
	if solver == verifier {
		return false
	}
	want, err := Solve(challenge, passwordHash, solver, verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, solution) == 1
}
