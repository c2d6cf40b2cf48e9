package identity

import "testing"

func TestDigestDeterministic(t *testing.T) {
	a := Digest("secret1", "a@x.com")
	b := Digest("secret1", "a@x.com")
	if a != b {
		t.Fatalf("same inputs produced different digests")
	}
	if !VerifyDigest(a, "secret1", "a@x.com") {
		t.Fatalf("digest did not verify against its own inputs")
	}
}

func TestDigestSaltedByEmail(t *testing.T) {
	a := Digest("secret1", "a@x.com")
	b := Digest("secret1", "b@x.com")
	if a == b {
		t.Fatalf("identical secrets on different accounts collided")
	}
}

func TestDigestEmailCaseInsensitive(t *testing.T) {
	a := Digest("secret1", "A@X.com ")
	b := Digest("secret1", "a@x.com")
	if a != b {
		t.Fatalf("email normalization not applied to the salt")
	}
}

func TestVerifyDigestRejectsNearMisses(t *testing.T) {
	digest := Digest("secret1", "a@x.com")
	for _, secret := range []string{"secret2", "Secret1", "secret1 ", "1secret", ""} {
		if VerifyDigest(digest, secret, "a@x.com") {
			t.Fatalf("near-miss secret %q verified", secret)
		}
	}
	if VerifyDigest("", "secret1", "a@x.com") {
		t.Fatalf("empty digest verified")
	}
}
