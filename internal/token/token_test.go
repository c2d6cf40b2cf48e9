package token

import (
	"strings"
	"testing"
	"time"

	"mercato.dev/internal/identity"
)

func testIdentity() identity.Identity {
	return identity.Identity{
		ID:               "01HZX0000000000000000000AB",
		FirstName:        "Ada",
		LastName:         "Lovelace",
		Email:            "ada@x.com",
		Status:           identity.StatusActive,
		Role:             identity.RoleDelegatedAdmin,
		Permissions:      identity.Permissions{ManageOrders: true},
		RegistrationDate: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		CredentialDigest: "never-embedded",
		Phone:            "+1 555 0100",
	}
}

func TestIssueRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	issuer, err := New("test-secret", WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := testIdentity()
	raw, issued, err := issuer.Issue(rec)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(strings.Split(raw, ".")) != 3 {
		t.Fatalf("expected three-segment token, got %q", raw)
	}
	if strings.Contains(raw, "never-embedded") {
		t.Fatalf("credential digest leaked into the token")
	}
	if !issued.ExpiresAt.Time.Equal(base.Add(8 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", issued.ExpiresAt.Time)
	}

	claims := issuer.Decode(raw)
	if claims == nil {
		t.Fatal("Decode returned nil for a fresh token")
	}
	got, want := claims.Public(), rec.Public()
	if !got.RegistrationDate.Equal(want.RegistrationDate) {
		t.Fatalf("registration date = %v, want %v", got.RegistrationDate, want.RegistrationDate)
	}
	got.RegistrationDate = want.RegistrationDate
	if got != want {
		t.Fatalf("claims snapshot = %+v, want %+v", got, want)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestDecodeExpiryBoundary(t *testing.T) {
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	now := base
	issuer, err := New("test-secret", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, issued, err := issuer.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expiry := issued.ExpiresAt.Time

	now = expiry.Add(-time.Second)
	if issuer.Decode(raw) == nil {
		t.Fatal("token rejected before expiry")
	}
	// Exactly at the boundary the token is already dead.
	now = expiry
	if issuer.Decode(raw) != nil {
		t.Fatal("token accepted at expiresAt == now")
	}
	now = expiry.Add(time.Hour)
	if issuer.Decode(raw) != nil {
		t.Fatal("token accepted after expiry")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	issuer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, raw := range []string{
		"",
		"   ",
		"not-a-token",
		"a.b",
		"a.b.c.d",
		"!!.!!.!!",
	} {
		if issuer.Decode(raw) != nil {
			t.Fatalf("Decode(%q) returned claims", raw)
		}
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	issuer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _, err := issuer.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA"
	if issuer.Decode(tampered) != nil {
		t.Fatal("tampered signature accepted")
	}

	other, err := New("different-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if other.Decode(raw) != nil {
		t.Fatal("token signed with another key accepted")
	}
}

func TestDecodeRejectsForeignIssuer(t *testing.T) {
	foreign, err := New("test-secret", WithIssuer("someone-else"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _, err := foreign.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	issuer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if issuer.Decode(raw) != nil {
		t.Fatal("token from a foreign issuer accepted")
	}
}

func TestClaimsMatchesDetectsDrift(t *testing.T) {
	issuer, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := testIdentity()
	raw, _, err := issuer.Issue(rec)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims := issuer.Decode(raw)
	if claims == nil {
		t.Fatal("Decode returned nil for a fresh token")
	}

	// A decode round-trip is not drift.
	if !claims.Matches(rec) {
		t.Fatal("fresh claims reported as drifted")
	}

	edited := rec
	edited.FirstName = "Renamed"
	if claims.Matches(edited) {
		t.Fatal("renamed record reported as matching")
	}

	suspended := rec
	suspended.Status = identity.StatusSuspended
	if claims.Matches(suspended) {
		t.Fatal("suspended record reported as matching")
	}

	regranted := rec
	regranted.Permissions = identity.Permissions{ManageUsers: true}
	if claims.Matches(regranted) {
		t.Fatal("regranted record reported as matching")
	}
}

func TestRefreshMintsNewExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	issuer, err := New("test-secret", WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, first, err := issuer.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(30 * time.Minute)
	_, second, err := issuer.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !second.ExpiresAt.Time.After(first.ExpiresAt.Time) {
		t.Fatalf("refresh did not extend expiry: %v vs %v", second.ExpiresAt.Time, first.ExpiresAt.Time)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh token id per issue")
	}
}
