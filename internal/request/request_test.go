package request

import "testing"

func TestLockRequiresRecipientOrPassphrase(t *testing.T) {
	_, err := NewBuilder(Lock).Input("/tmp/f.txt").Build()
	if err == nil {
		t.Fatalf("expected error when neither recipients nor passphrase are set")
	}
}

func TestLockWithPassphraseBuilds(t *testing.T) {
	r, err := NewBuilder(Lock).
		Input("/tmp/f.txt").
		WithIdentity(NewPassphraseIdentity("correct horse battery staple")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Identity().TypeLabel() != "passphrase" {
		t.Fatalf("got %q want passphrase", r.Identity().TypeLabel())
	}
}

func TestLockWithRecipientBuilds(t *testing.T) {
	r, err := NewBuilder(Lock).
		Input("/tmp/f.txt").
		WithRecipients(NewX25519Recipient("age1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.AllRecipients()) != 1 {
		t.Fatalf("got %d recipients want 1", len(r.AllRecipients()))
	}
}

func TestInvalidX25519Recipient(t *testing.T) {
	_, err := NewBuilder(Lock).
		Input("/tmp/f.txt").
		WithRecipients(NewX25519Recipient("not-a-key")).
		Build()
	if err == nil {
		t.Fatalf("expected validation error for malformed recipient")
	}
}

func TestRotateRequiresDistinctIdentities(t *testing.T) {
	id := NewPassphraseIdentity("same-secret")
	_, err := NewBuilder(Rotate).
		Input("/tmp/f.txt.cage").
		WithOldIdentity(id).
		WithIdentity(id).
		Build()
	if err == nil {
		t.Fatalf("expected error for identical old/new identity")
	}
}

func TestRotateWithDistinctIdentitiesBuilds(t *testing.T) {
	_, err := NewBuilder(Rotate).
		Input("/tmp/f.txt.cage").
		WithOldIdentity(NewPassphraseIdentity("old-secret")).
		WithIdentity(NewPassphraseIdentity("new-secret")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestVerifyRequiresIdentityOrRecipients(t *testing.T) {
	_, err := NewBuilder(Verify).Input("/tmp/f.txt.cage").Build()
	if err == nil {
		t.Fatalf("expected error when verify has neither identity nor recipients")
	}
}

func TestDangerModeRequiresInPlace(t *testing.T) {
	_, err := NewBuilder(Lock).
		Input("/tmp/f.txt").
		WithIdentity(NewPassphraseIdentity("s")).
		WithDangerMode(true).
		Build()
	if err == nil {
		t.Fatalf("expected error: danger_mode without in_place")
	}
}

func TestRecipientGroupFingerprintOrderIndependent(t *testing.T) {
	a := NewX25519Recipient("age1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := NewX25519Recipient("age1bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	g1 := RecipientGroup{Name: "g", Recipients: []Recipient{a, b}}
	g2 := RecipientGroup{Name: "g", Recipients: []Recipient{b, a}}
	if g1.Fingerprint() != g2.Fingerprint() {
		t.Fatalf("fingerprint should be order independent")
	}
}

func TestLockRecipientOnlyDoesNotRequireIdentity(t *testing.T) {
	r, err := NewBuilder(Lock).
		Input("/tmp/f.txt").
		WithRecipients(NewX25519Recipient("age1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Identity().TypeLabel() != "none" {
		t.Fatalf("got %q want none", r.Identity().TypeLabel())
	}
}

func TestUnlockRequiresIdentity(t *testing.T) {
	_, err := NewBuilder(Unlock).Input("/tmp/f.txt.cage").Build()
	if err == nil {
		t.Fatalf("expected error: unlock without an identity")
	}
}

func TestAuthorityTierUppercase(t *testing.T) {
	cases := map[AuthorityTier]string{
		TierSkull:      "SKULL",
		TierMaster:     "MASTER",
		TierRepository: "REPOSITORY",
		TierIgnition:   "IGNITION",
		TierDistro:     "DISTRO",
	}
	for tier, want := range cases {
		if got := tier.String(); got != want {
			t.Fatalf("tier %d: got %q want %q", tier, got, want)
		}
	}
}
