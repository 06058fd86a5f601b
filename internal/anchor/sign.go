// sign.go signs checkpoint payloads with an OpenPGP key before they leave the
// system, so the receiving side can prove a checkpoint came from this
// deployment and was not substituted in transit or at rest.
package anchor

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Signer produces armored detached OpenPGP signatures over checkpoint
// payloads.
type Signer struct {
	entity *openpgp.Entity
}

// NewSigner loads an armored private key from keyFile. An encrypted key is
// unlocked with passphrase; pass "" for an unencrypted key.
func NewSigner(keyFile, passphrase string) (*Signer, error) {
	f, err := os.Open(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("signing key file contains no keys")
	}

	entity := keyring[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("signing key file contains no private key")
	}
	if entity.PrivateKey.Encrypted {
		if passphrase == "" {
			return nil, fmt.Errorf("signing key is encrypted and no passphrase is configured")
		}
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("failed to unlock signing key: %w", err)
		}
	}

	return &Signer{entity: entity}, nil
}

// NewSignerFromEntity wraps an in-memory key. Used by tests and key
// provisioning tooling.
func NewSignerFromEntity(entity *openpgp.Entity) *Signer {
	return &Signer{entity: entity}
}

// Sign returns an armored detached signature over payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(payload), nil); err != nil {
		return nil, fmt.Errorf("failed to sign checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyDetached checks an armored detached signature against payload using
// the signer's public key. Exposed so operators can spot-check anchored
// checkpoints with the same code path that produced them.
func (s *Signer) VerifyDetached(payload, armoredSig []byte) error {
	keyring := openpgp.EntityList{s.entity}
	_, err := openpgp.CheckArmoredDetachedSignature(
		keyring, bytes.NewReader(payload), bytes.NewReader(armoredSig), nil)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
