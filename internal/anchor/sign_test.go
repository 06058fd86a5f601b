package anchor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// newTestEntity generates a fresh OpenPGP key pair for signing tests.
func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Compliance Anchor Test", "", "anchor-test@example.com", nil)
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}
	return entity
}

// writeArmoredPrivateKey serializes the entity's private key to an armored
// file and returns its path.
func writeArmoredPrivateKey(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		t.Fatalf("SerializePrivate: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "anchor-signing.asc")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Signer
// ---------------------------------------------------------------------------

func TestSigner_SignAndVerify(t *testing.T) {
	signer := NewSignerFromEntity(newTestEntity(t))

	payload := []byte(`{"chain_id":"platform","sequence_number":42}`)
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !bytes.Contains(sig, []byte("-----BEGIN PGP SIGNATURE-----")) {
		t.Error("signature should be ASCII-armored")
	}

	if err := signer.VerifyDetached(payload, sig); err != nil {
		t.Errorf("VerifyDetached on untouched payload: %v", err)
	}
}

func TestSigner_DetectsTamperedPayload(t *testing.T) {
	signer := NewSignerFromEntity(newTestEntity(t))

	payload := []byte(`{"chain_id":"platform","sequence_number":42}`)
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := []byte(`{"chain_id":"platform","sequence_number":43}`)
	if err := signer.VerifyDetached(tampered, sig); err == nil {
		t.Error("VerifyDetached should fail for a modified payload")
	}
}

func TestSigner_RejectsForeignSignature(t *testing.T) {
	signer := NewSignerFromEntity(newTestEntity(t))
	other := NewSignerFromEntity(newTestEntity(t))

	payload := []byte("checkpoint payload")
	foreignSig, err := other.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := signer.VerifyDetached(payload, foreignSig); err == nil {
		t.Error("VerifyDetached should fail for a signature from another key")
	}
}

// ---------------------------------------------------------------------------
// NewSigner key loading
// ---------------------------------------------------------------------------

func TestNewSigner_LoadsArmoredKeyFile(t *testing.T) {
	entity := newTestEntity(t)
	path := writeArmoredPrivateKey(t, entity)

	signer, err := NewSigner(path, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	payload := []byte("checkpoint payload")
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := signer.VerifyDetached(payload, sig); err != nil {
		t.Errorf("VerifyDetached: %v", err)
	}
}

func TestNewSigner_MissingFile(t *testing.T) {
	if _, err := NewSigner(filepath.Join(t.TempDir(), "no-such-key.asc"), ""); err == nil {
		t.Error("NewSigner should fail for a missing key file")
	}
}

func TestNewSigner_NotAKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.asc")
	if err := os.WriteFile(path, []byte("not a pgp key"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := NewSigner(path, ""); err == nil {
		t.Error("NewSigner should fail for a non-key file")
	}
}
