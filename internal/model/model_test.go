package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestRuleSetLastMatchWins(t *testing.T) {
	rules := RuleSet{
		NewRule(".*", 1),
		NewRule("workstation-7", 2),
	}

	got, err := rules.Select("WORKSTATION-7", DefaultVersion)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 2 {
		t.Errorf("Select = %d, want 2", got)
	}

	// Reversed order: the wildcard is now last and wins.
	reversed := RuleSet{rules[1], rules[0]}
	got, err = reversed.Select("WORKSTATION-7", DefaultVersion)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != 1 {
		t.Errorf("Select reversed = %d, want 1", got)
	}
}

func TestRuleSetFallback(t *testing.T) {
	rules := RuleSet{NewRule("^build-\\d+$", 7)}

	got, err := rules.Select("laptop", DefaultVersion)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != DefaultVersion {
		t.Errorf("Select = %d, want %d", got, DefaultVersion)
	}

	empty := RuleSet{}
	got, _ = empty.Select("anything", DefaultVersion)
	if got != DefaultVersion {
		t.Errorf("empty Select = %d, want %d", got, DefaultVersion)
	}
}

func TestRuleSetDeterministic(t *testing.T) {
	rules := RuleSet{NewRule("^web", 3), NewRule("01$", 4), NewRule("^db", 5)}
	first, err := rules.Select("web01", DefaultVersion)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, _ := rules.Select("web01", DefaultVersion)
		if got != first {
			t.Fatalf("Select iteration %d = %d, want %d", i, got, first)
		}
	}
	if first != 4 {
		t.Errorf("Select = %d, want 4", first)
	}
}

func TestRuleInvalidPattern(t *testing.T) {
	rules := RuleSet{NewRule("([", 2)}
	if _, err := rules.Select("host", DefaultVersion); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestArtifactKeyCandidates(t *testing.T) {
	key := NewArtifactKey(5, "Billing.Core")
	got := key.Candidates()
	want := []string{"5/Billing.Core.so", "5/Billing.Core.exe"}
	if len(got) != len(want) {
		t.Fatalf("Candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Candidates[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"debug path", DebugPath("2/app.exe"), "2/app.sym"},
		{"site path", SitePath("shop", 3, "/css/site.css"), "aspnet/shop/3/css/site.css"},
		{"site path tilde", SitePath("shop", 3, `~\img\logo.png`), "aspnet/shop/3/img/logo.png"},
		{"normalize", NormalizePath(`\1\lib.so`), "1/lib.so"},
		{"strip qualifier", StripQualifier("Billing.Core, Version=1.0"), "Billing.Core"},
		{"module name", ModuleName("tools/app.exe"), "app"},
		{"module name no ext", ModuleName("app"), "app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion(" 12 ")
	if err != nil || v != 12 {
		t.Errorf("ParseVersion = %d, %v; want 12", v, err)
	}
	if _, err := ParseVersion("-1"); err == nil {
		t.Error("expected error for negative version")
	}
	if _, err := ParseVersion("x"); err == nil {
		t.Error("expected error for non-numeric version")
	}
	if NoVersion.BasePath() != "-1/" || Version(3).BasePath() != "3/" {
		t.Error("unexpected BasePath")
	}
}

func TestValidTransition(t *testing.T) {
	if !ValidTransition(RunStatusRunning, RunStatusCompleted) {
		t.Error("running -> completed should be valid")
	}
	if ValidTransition(RunStatusCompleted, RunStatusFailed) {
		t.Error("completed -> failed should be invalid")
	}
}
