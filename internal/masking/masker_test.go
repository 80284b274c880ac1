package masking

import (
	"context"
	"errors"
	"testing"

	"github.com/gembridge/gembridge/internal/storage"
)

type fakeKeywords struct {
	kws   []storage.SensitiveKeyword
	err   error
	calls int
}

func (f *fakeKeywords) ListKeywords(context.Context, bool) ([]storage.SensitiveKeyword, error) {
	f.calls++
	return f.kws, f.err
}

type fakeSettings struct{ security bool }

func (f fakeSettings) Get(context.Context) (storage.Settings, error) {
	return storage.Settings{EnableRoleBasedSecurity: f.security}, nil
}

var ctx = context.Background()

func TestBuiltinPatterns(t *testing.T) {
	m := New(&fakeKeywords{}, fakeSettings{security: true})

	tests := []struct {
		in, want string
	}{
		{"contact jane.doe@example.com today", "contact [EMAIL REDACTED] today"},
		{"call (555) 123-4567", "call ([PHONE REDACTED]"},
		{"card 4111 1111 1111 1111 ok", "card [CREDIT CARD REDACTED] ok"},
		{"ssn 123-45-6789", "ssn [SSN REDACTED]"},
		{"nothing here", "nothing here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := m.Mask(ctx, tt.in, "", ""); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuiltinsDisabled(t *testing.T) {
	m := New(&fakeKeywords{}, fakeSettings{security: false})
	in := "mail bob@example.com"
	if got := m.Mask(ctx, in, "", ""); got != in {
		t.Errorf("Mask = %q, want unchanged", got)
	}
}

func TestMaskIdempotent(t *testing.T) {
	m := New(&fakeKeywords{}, fakeSettings{security: true})
	in := "a@b.io 555-123-4567 4111-1111-1111-1111 123-45-6789"
	once := m.Mask(ctx, in, "", "")
	if twice := m.Mask(ctx, once, "", ""); twice != once {
		t.Errorf("second pass changed text: %q -> %q", once, twice)
	}
}

func TestKeywordRulesScoping(t *testing.T) {
	kws := &fakeKeywords{kws: []storage.SensitiveKeyword{
		{ID: 1, Pattern: `PRJ-\d+`, Replacement: "[PROJECT]", IsGlobal: true, Enabled: true},
		{ID: 2, Pattern: `secret`, Replacement: "[S]", Doctypes: "Customer, Supplier", Enabled: true},
		{ID: 3, Pattern: `margin`, Replacement: "[M]", Fields: "notes", Enabled: true},
	}}
	m := New(kws, fakeSettings{security: false})

	if got := m.Mask(ctx, "PRJ-42 secret margin", "Sales Order", "description"); got != "[PROJECT] secret margin" {
		t.Errorf("scoped mask = %q", got)
	}
	if got := m.Mask(ctx, "secret margin", "Customer", "notes"); got != "[S] [M]" {
		t.Errorf("matching scope = %q", got)
	}
	if got := m.Mask(ctx, "secret", "", ""); got != "[S]" {
		t.Errorf("no context should apply non-global rules, got %q", got)
	}
	if got := m.Mask(ctx, "secret", "Cust", ""); got != "secret" {
		t.Errorf("doctype match must be exact, got %q", got)
	}
	if kws.calls != 1 {
		t.Errorf("keywords loaded %d times, want 1", kws.calls)
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	kws := &fakeKeywords{kws: []storage.SensitiveKeyword{
		{ID: 1, Pattern: `([`, Replacement: "x", IsGlobal: true, Enabled: true},
		{ID: 2, Pattern: `token`, Replacement: "[T]", IsGlobal: true, Enabled: true},
	}}
	m := New(kws, fakeSettings{})
	if got := m.Mask(ctx, "my token", "", ""); got != "my [T]" {
		t.Errorf("Mask = %q, want %q", got, "my [T]")
	}
}

func TestBackReferenceReplacement(t *testing.T) {
	kws := &fakeKeywords{kws: []storage.SensitiveKeyword{
		{ID: 1, Pattern: `(\w+)-(\d{4})`, Replacement: `\1-XXXX`, IsGlobal: true, Enabled: true},
	}}
	m := New(kws, fakeSettings{})
	if got := m.Mask(ctx, "acct ACME-1234", "", ""); got != "acct ACME-XXXX" {
		t.Errorf("Mask = %q", got)
	}
}

func TestLoadErrorRetries(t *testing.T) {
	kws := &fakeKeywords{err: errors.New("db down")}
	m := New(kws, fakeSettings{})
	m.Mask(ctx, "x", "", "")
	kws.err = nil
	kws.kws = []storage.SensitiveKeyword{{ID: 1, Pattern: "x", Replacement: "y", IsGlobal: true}}
	if got := m.Mask(ctx, "x", "", ""); got != "y" {
		t.Errorf("Mask after recovery = %q, want y", got)
	}

	kws.kws = []storage.SensitiveKeyword{{ID: 1, Pattern: "x", Replacement: "z", IsGlobal: true}}
	m.Invalidate()
	if got := m.Mask(ctx, "x", "", ""); got != "z" {
		t.Errorf("Mask after Invalidate = %q, want z", got)
	}
}

func TestConvertReplacement(t *testing.T) {
	tests := map[string]string{
		`\1`:          "${1}",
		`\g<name>!`:   "${name}!",
		`cost $5`:     "cost $$5",
		`a\\b`:        `a\b`,
		`[REDACTED]`:  "[REDACTED]",
		`\12 and \3x`: "${12} and ${3}x",
	}
	for in, want := range tests {
		if got := ConvertReplacement(in); got != want {
			t.Errorf("ConvertReplacement(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskFields(t *testing.T) {
	m := New(&fakeKeywords{}, fakeSettings{security: true})
	got := m.MaskFields(ctx, "Customer", map[string]any{
		"email_id":    "x@y.com",
		"grand_total": 1200.0,
		"notes":       nil,
	})
	if got["email_id"] != "[EMAIL REDACTED]" {
		t.Errorf("email_id = %q", got["email_id"])
	}
	if got["grand_total"] != "1200" {
		t.Errorf("grand_total = %q", got["grand_total"])
	}
	if _, ok := got["notes"]; ok {
		t.Error("nil fields should be skipped")
	}
}
