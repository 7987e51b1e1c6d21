package password

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// DefaultMinLength is the minimum password length when none is configured
const DefaultMinLength = 12

// seedClasses is the number of character classes every generated password draws from
const seedClasses = 4

var ErrPolicyUnsatisfiable = errors.New("password policy cannot be satisfied")

//go:embed common_passwords.txt
var commonPasswords string

// Policy is the set of rules a candidate password must pass
type Policy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool

	blacklist map[string]struct{}
}

// DefaultPolicy enables every rule with the bundled common password list
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMinLength, true, true, true, true)
}

// NewPolicy builds a policy using the bundled common password list
func NewPolicy(minLength int, upper, lower, digit, special bool) *Policy {
	return &Policy{
		MinLength:        minLength,
		RequireUppercase: upper,
		RequireLowercase: lower,
		RequireDigit:     digit,
		RequireSpecial:   special,
		blacklist:        loadBlacklist(commonPasswords),
	}
}

func loadBlacklist(src string) map[string]struct{} {
	list := make(map[string]struct{})
	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list[strings.ToLower(line)] = struct{}{}
	}
	return list
}

// AddBlacklisted extends the blacklist; entries match case-insensitively
func (p *Policy) AddBlacklisted(words ...string) {
	if p.blacklist == nil {
		p.blacklist = make(map[string]struct{})
	}
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			p.blacklist[strings.ToLower(w)] = struct{}{}
		}
	}
}

// Check reports whether the policy can be satisfied by generated passwords
func (p *Policy) Check() error {
	if p.minLength() < seedClasses {
		return fmt.Errorf("%w: minimum length %d is below the %d mandatory character classes",
			ErrPolicyUnsatisfiable, p.minLength(), seedClasses)
	}
	return nil
}

// Validate runs every rule against the candidate and reports whether all of them pass
func (p *Policy) Validate(candidate string) bool {
	runes := []rune(candidate)
	ok := true

	if len(runes) < p.minLength() {
		ok = false
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			hasSpecial = true
		}
	}
	if p.RequireUppercase && !hasUpper {
		ok = false
	}
	if p.RequireLowercase && !hasLower {
		ok = false
	}
	if p.RequireDigit && !hasDigit {
		ok = false
	}
	if p.RequireSpecial && !hasSpecial {
		ok = false
	}

	if _, listed := p.blacklist[strings.ToLower(candidate)]; listed {
		ok = false
	}
	if hasRepeatedRun(runes) {
		ok = false
	}
	if hasSequentialRun(runes) {
		ok = false
	}

	return ok
}

func (p *Policy) minLength() int {
	if p.MinLength <= 0 {
		return DefaultMinLength
	}
	return p.MinLength
}

// hasRepeatedRun detects three identical consecutive characters
func hasRepeatedRun(runes []rune) bool {
	for i := 2; i < len(runes); i++ {
		if runes[i] == runes[i-1] && runes[i-1] == runes[i-2] {
			return true
		}
	}
	return false
}

// hasSequentialRun detects three consecutive code points, ascending or descending
func hasSequentialRun(runes []rune) bool {
	for i := 2; i < len(runes); i++ {
		a, b, c := runes[i-2], runes[i-1], runes[i]
		if b == a+1 && c == b+1 {
			return true
		}
		if b == a-1 && c == b-1 {
			return true
		}
	}
	return false
}
