package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestSecretKeepsSuffix(t *testing.T) {
	got := Secret("sk-abcdef123456")
	if got != "***********3456" {
		t.Fatalf("unexpected mask %q", got)
	}
	if !IsMasked(got) {
		t.Fatalf("expected mask to be recognised")
	}
	if Secret("short") != "*****" {
		t.Fatalf("short secrets must be fully masked")
	}
	if IsMasked("sk-live") {
		t.Fatalf("plain key must not look masked")
	}
}

func TestCredentialsStripsBearer(t *testing.T) {
	got := Credentials(`{"error":"bad Bearer sk-1234567890abcdef"}`)
	if strings.Contains(got, "sk-1234567890abcdef") {
		t.Fatalf("expected token removed, got %q", got)
	}
}
