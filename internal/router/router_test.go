package router

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"omnibridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRoute_ExplicitCommand(t *testing.T) {
	r := New(nil, testLogger())

	d := r.Route("/finance quote AAPL", domain.DomainSocial)
	if d.Domain != domain.DomainFinance {
		t.Errorf("expected finance, got %s", d.Domain)
	}
	if d.Intent != IntentExplicitCommand {
		t.Errorf("expected explicit_command, got %s", d.Intent)
	}
	if d.Text != "quote AAPL" {
		t.Errorf("selector not stripped: %q", d.Text)
	}
}

func TestRoute_ImplicitChannelDefault(t *testing.T) {
	r := New(nil, testLogger())

	d := r.Route("hello", domain.DomainSocial)
	if d.Domain != domain.DomainSocial {
		t.Errorf("expected social, got %s", d.Domain)
	}
	if d.Intent != IntentImplicitChannelDefault {
		t.Errorf("expected implicit_channel_default, got %s", d.Intent)
	}
	if d.Text != "hello" {
		t.Errorf("text must pass through unchanged: %q", d.Text)
	}
}

func TestRoute_UnknownSlashTokenFallsThrough(t *testing.T) {
	r := New(nil, testLogger())

	// "/weather" is not a domain name; the message routes by default.
	d := r.Route("/weather london", domain.DomainUtilities)
	if d.Intent != IntentImplicitChannelDefault {
		t.Errorf("unknown selector should not be treated as a command, got %s", d.Intent)
	}
	if d.Text != "/weather london" {
		t.Errorf("unknown selector must not be stripped: %q", d.Text)
	}
}

func TestRoute_SelectorOnly(t *testing.T) {
	r := New(nil, testLogger())

	d := r.Route("/travel", domain.DomainSocial)
	if d.Domain != domain.DomainTravel || d.Intent != IntentExplicitCommand {
		t.Errorf("bare selector should route: %+v", d)
	}
	if d.Text != "" {
		t.Errorf("expected empty remainder, got %q", d.Text)
	}
}

func TestRoute_Classified(t *testing.T) {
	r := New(DefaultRules(), testLogger())

	d := r.Route("what is the stock price of AAPL", domain.DomainSocial)
	if d.Domain != domain.DomainFinance {
		t.Errorf("expected finance, got %s", d.Domain)
	}
	if d.Intent != IntentClassified {
		t.Errorf("expected classified, got %s", d.Intent)
	}
}

func TestRoute_ClassifierTieGoesToFirstRule(t *testing.T) {
	rules := []Rule{
		{Domain: domain.DomainTravel, Keywords: []string{"book"}},
		{Domain: domain.DomainEntertainment, Keywords: []string{"book"}},
	}
	r := New(rules, testLogger())

	d := r.Route("book something", domain.DomainSocial)
	if d.Domain != domain.DomainTravel {
		t.Errorf("tie should go to the first rule, got %s", d.Domain)
	}
}

func TestRoute_NeverDropped(t *testing.T) {
	r := New(DefaultRules(), testLogger())

	for _, text := range []string{"", "   ", "/", "/xyz", "zzz qqq"} {
		d := r.Route(text, domain.DomainSystem)
		if d.Domain == "" {
			t.Errorf("input %q resolved to no domain", text)
		}
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `rules:
  - domain: finance
    keywords: [stock, quote]
  - domain: travel
    keywords: [flight]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Domain != domain.DomainFinance {
		t.Errorf("expected finance first, got %s", rules[0].Domain)
	}
}

func TestLoadRules_Missing(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if rules != nil {
		t.Errorf("expected nil rules, got %v", rules)
	}
}

func TestLoadRules_UnknownDomain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	os.WriteFile(path, []byte("rules:\n  - domain: bogus\n    keywords: [x]\n"), 0o644)

	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for unknown domain")
	}
}
