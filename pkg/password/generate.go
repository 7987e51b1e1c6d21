package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// MinGeneratedLength is the shortest password Generate accepts
	MinGeneratedLength = 8
	// DefaultGeneratedLength is used when the caller passes zero
	DefaultGeneratedLength = 12

	generateAttempts = 10
)

// Character classes share no adjacent code points, so alternating between
// them can never form a run or a sequence.
const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!#$%&*+-=?^_~"
)

var classes = []string{upperChars, lowerChars, digitChars, specialChars}

var ErrLengthTooShort = errors.New("requested password length is too short")

// Generate returns a random password that satisfies the policy. Lengths below
// the policy minimum are raised to it.
func (p *Policy) Generate(length int) (string, error) {
	if length == 0 {
		length = DefaultGeneratedLength
	}
	if length < MinGeneratedLength {
		return "", fmt.Errorf("%w: %d < %d", ErrLengthTooShort, length, MinGeneratedLength)
	}
	if err := p.Check(); err != nil {
		return "", err
	}
	if length < p.minLength() {
		length = p.minLength()
	}

	for i := 0; i < generateAttempts; i++ {
		candidate, err := randomCandidate(length)
		if err != nil {
			return "", err
		}
		if p.Validate(candidate) {
			return candidate, nil
		}
	}

	for i := 0; i < generateAttempts; i++ {
		candidate, err := rotatingCandidate(length)
		if err != nil {
			return "", err
		}
		if p.Validate(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: no compliant password after %d attempts", ErrPolicyUnsatisfiable, 2*generateAttempts)
}

// randomCandidate seeds one character per class, fills the rest from the
// union of all classes and shuffles the result.
func randomCandidate(length int) (string, error) {
	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	all := upperChars + lowerChars + digitChars + specialChars
	for len(out) < length {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	if err := shuffle(out); err != nil {
		return "", err
	}
	return string(out), nil
}

// rotatingCandidate cycles through the classes so neighbours always come from
// different classes.
func rotatingCandidate(length int) (string, error) {
	offset, err := randomInt(len(classes))
	if err != nil {
		return "", err
	}

	out := make([]byte, length)
	for i := range out {
		c, err := pick(classes[(i+offset)%len(classes)])
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	return string(out), nil
}

// shuffle is a Fisher-Yates shuffle driven by crypto/rand
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return err
		}
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

func pick(set string) (byte, error) {
	i, err := randomInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randomInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random source: %w", err)
	}
	return int(n.Int64()), nil
}
