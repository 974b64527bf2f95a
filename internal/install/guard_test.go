package install

import "testing"

func TestEvalGuard_EmptyAlwaysPasses(t *testing.T) {
	ok, err := evalGuard("", nil)
	if err != nil || !ok {
		t.Fatalf("got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestEvalGuard_EqualsMatch(t *testing.T) {
	vars := platformVars("linux", "x64")
	ok, err := evalGuard(`platform.os == "linux"`, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected match")
	}
}

func TestEvalGuard_NotEqualsMismatch(t *testing.T) {
	vars := platformVars("linux", "x64")
	ok, err := evalGuard(`platform.os != "linux"`, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no match for != on an equal value")
	}
}

func TestEvalGuard_UnquotedLiteralAccepted(t *testing.T) {
	vars := platformVars("darwin", "arm64")
	ok, err := evalGuard(`platform.arch == arm64`, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected match on unquoted literal")
	}
}

func TestEvalGuard_UnknownIdentifierErrors(t *testing.T) {
	_, err := evalGuard(`platform.weird == "x"`, platformVars("linux", "x64"))
	if err == nil {
		t.Fatal("expected an error for an unknown identifier")
	}
}

func TestEvalGuard_MissingOperatorErrors(t *testing.T) {
	_, err := evalGuard(`platform.os "linux"`, platformVars("linux", "x64"))
	if err == nil {
		t.Fatal("expected an error when no == or != is present")
	}
}
