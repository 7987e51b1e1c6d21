package password

import (
	"errors"
	"strings"
	"testing"
	"unicode"
)

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{name: "compliant", candidate: "Tr0ub4dor&Zeb", want: true},
		{name: "too short", candidate: "Tr0ub4dor&Z", want: false},
		{name: "empty", candidate: "", want: false},
		{name: "missing upper", candidate: "tr0ub4dor&zeb", want: false},
		{name: "missing lower", candidate: "TR0UB4DOR&ZEB", want: false},
		{name: "missing digit", candidate: "Troubador&Zeb", want: false},
		{name: "missing special", candidate: "Tr0ub4dorXZeb", want: false},
		{name: "three identical", candidate: "Tr0ub4dooo&Zeb", want: false},
		{name: "three identical specials", candidate: "Tr0ub4d!!!Zeb", want: false},
		{name: "ascending letters", candidate: "Tr0ub4dor&Zabc", want: false},
		{name: "descending letters", candidate: "Tr0ub4dor&Zcba", want: false},
		{name: "ascending digits", candidate: "Tr0ub4dor&Z123", want: false},
		{name: "descending digits", candidate: "Tr0ub4dor&Z987", want: false},
		{name: "blacklisted", candidate: "Welcome@2024!", want: false},
		{name: "blacklisted other case", candidate: "wELCOME@2024!", want: false},
		{name: "two identical allowed", candidate: "Tr0ub4door&Zeb", want: true},
		{name: "non sequential pair allowed", candidate: "Tr0ub4dor&Zab9", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Validate(tt.candidate); got != tt.want {
				t.Errorf("Validate(%q) = %v, want %v", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestPolicyValidateShorterThanMinimum(t *testing.T) {
	p := NewPolicy(16, false, false, false, false)
	for n := 0; n < 16; n++ {
		candidate := strings.Repeat("ab", 8)[:n]
		if p.Validate(candidate) {
			t.Errorf("Validate(%q) = true for length %d", candidate, n)
		}
	}
	if !p.Validate("abababababababab") {
		t.Error("Validate() = false for 16 characters with class rules off")
	}
}

func TestPolicyValidateClassToggles(t *testing.T) {
	p := NewPolicy(12, false, true, false, false)
	if !p.Validate("qwzrtxvnmpkj") {
		t.Error("lowercase-only candidate should pass with other classes disabled")
	}
}

func TestPolicyRepeatedRunAlwaysFails(t *testing.T) {
	p := NewPolicy(8, true, true, true, true)
	for _, c := range []string{"Xaaa1!Z9q", "Xq!9Zbbb2", "111Az!qW9"} {
		if p.Validate(c) {
			t.Errorf("Validate(%q) = true with identical run", c)
		}
	}
}

func TestAddBlacklisted(t *testing.T) {
	p := DefaultPolicy()
	candidate := "Greenfield#High9"
	if !p.Validate(candidate) {
		t.Fatalf("precondition: %q should pass", candidate)
	}
	p.AddBlacklisted("GREENFIELD#HIGH9")
	if p.Validate(candidate) {
		t.Error("Validate() = true for blacklisted entry")
	}
}

func TestPolicyCheck(t *testing.T) {
	if err := DefaultPolicy().Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	err := NewPolicy(3, true, true, true, true).Check()
	if !errors.Is(err, ErrPolicyUnsatisfiable) {
		t.Errorf("Check() error = %v, want ErrPolicyUnsatisfiable", err)
	}

	// zero means the default minimum, which is satisfiable
	if err := (&Policy{RequireUppercase: true, RequireDigit: true}).Check(); err != nil {
		t.Errorf("Check() with zero MinLength error = %v", err)
	}
}

func TestGenerateSatisfiesPolicy(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		pw, err := p.Generate(16)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(pw) != 16 {
			t.Fatalf("Generate() length = %d", len(pw))
		}
		if !p.Validate(pw) {
			t.Fatalf("Generate() produced non-compliant %q", pw)
		}
	}
}

func TestGenerateContainsEveryClass(t *testing.T) {
	p := NewPolicy(8, false, false, false, false)
	for i := 0; i < 100; i++ {
		pw, err := p.Generate(8)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		var u, l, d, s bool
		for _, r := range pw {
			switch {
			case unicode.IsUpper(r):
				u = true
			case unicode.IsLower(r):
				l = true
			case unicode.IsDigit(r):
				d = true
			default:
				s = true
			}
		}
		if !(u && l && d && s) {
			t.Fatalf("Generate() = %q misses a character class", pw)
		}
	}
}

func TestGenerateLengths(t *testing.T) {
	p := DefaultPolicy()

	pw, err := p.Generate(0)
	if err != nil || len(pw) != DefaultGeneratedLength {
		t.Errorf("Generate(0) = %q, %v", pw, err)
	}

	pw, err = p.Generate(9)
	if err != nil || len(pw) != DefaultMinLength {
		t.Errorf("Generate(9) = %q, %v; want raised to policy minimum", pw, err)
	}

	if _, err := p.Generate(7); !errors.Is(err, ErrLengthTooShort) {
		t.Errorf("Generate(7) error = %v, want ErrLengthTooShort", err)
	}
}

func TestGenerateRejectsContradictoryPolicy(t *testing.T) {
	p := NewPolicy(2, true, true, true, true)
	if _, err := p.Generate(12); !errors.Is(err, ErrPolicyUnsatisfiable) {
		t.Errorf("Generate() error = %v, want ErrPolicyUnsatisfiable", err)
	}
}

func TestRotatingCandidateAlwaysCompliant(t *testing.T) {
	p := NewPolicy(12, true, true, true, true)
	for i := 0; i < 200; i++ {
		pw, err := rotatingCandidate(12)
		if err != nil {
			t.Fatalf("rotatingCandidate() error = %v", err)
		}
		if hasRepeatedRun([]rune(pw)) || hasSequentialRun([]rune(pw)) {
			t.Fatalf("rotatingCandidate() = %q contains a run", pw)
		}
		if !p.Validate(pw) {
			t.Fatalf("rotatingCandidate() = %q fails policy", pw)
		}
	}
}
