package main

import (
	"reflect"
	"testing"
)

func TestNormalizeInputTokens(t *testing.T) {
	got := normalizeInputTokens([]string{"architect, engineer", "engineer", "", "tester,"})
	want := []string{"architect", "engineer", "tester"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNormalizeInputTokensEmpty(t *testing.T) {
	got := normalizeInputTokens(nil)
	if len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
}

func TestAppendFlagHelpersSkipDefaults(t *testing.T) {
	args := []string{}
	args = appendStringFlag(args, "run-id", "  ")
	args = appendIntFlag(args, "interval", 2, 2)
	args = appendBoolFlag(args, "dry-run", false, false)
	if len(args) != 0 {
		t.Fatalf("expected no args for default values, got %v", args)
	}

	args = appendStringFlag(args, "run-id", "run-1")
	args = appendIntFlag(args, "interval", 5, 2)
	args = appendBoolFlag(args, "dry-run", true, false)
	want := []string{"--run-id", "run-1", "--interval=5", "--dry-run=true"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
}

func TestEmptyValue(t *testing.T) {
	if got := emptyValue(" ", "-"); got != "-" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := emptyValue("engineer", "-"); got != "engineer" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestShortRevision(t *testing.T) {
	if got := shortRevision("abcdef0123456789"); got != "abcdef012345" {
		t.Fatalf("unexpected short revision %q", got)
	}
	if got := shortRevision("abc"); got != "abc" {
		t.Fatalf("unexpected short revision %q", got)
	}
}
