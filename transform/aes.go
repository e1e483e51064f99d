package transform

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/hazyhaar/tsdgate/apierr"
)

// KeyMaterial carries the decrypted AES key/IV (or passphrase) for a single
// request, derived from the Aes-Key (and optional Aes-Iv) headers.
type KeyMaterial struct {
	HexKey     string // set when Aes-Iv was present: openssl -K <hex> -iv <hex>
	HexIV      string
	Passphrase string // set when Aes-Iv was absent: openssl -pass pass:<key> (derived IV)
}

// Keyring decrypts the PGP-encrypted, base64-encoded Aes-Key header using a
// locally held private keyring — the "local keyring" SPEC_FULL.md §4.4 refers
// to. Token issuance/key management proper is out of scope; this keyring is
// the narrow decryption collaborator the Transform Pipeline depends on.
type Keyring struct {
	entities openpgp.EntityList
}

// NewKeyring loads an armored private-key bundle (and optional passphrase to
// unlock it) used to decrypt inbound Aes-Key headers.
func NewKeyring(armoredPrivateKey []byte, passphrase []byte) (*Keyring, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("transform: read keyring: %w", err)
	}
	if len(passphrase) > 0 {
		for _, e := range entities {
			if e.PrivateKey != nil && e.PrivateKey.Encrypted {
				if err := e.PrivateKey.Decrypt(passphrase); err != nil {
					return nil, fmt.Errorf("transform: unlock private key: %w", err)
				}
			}
			for _, sub := range e.Subkeys {
				if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
					sub.PrivateKey.Decrypt(passphrase)
				}
			}
		}
	}
	return &Keyring{entities: entities}, nil
}

// DecryptAesKey decodes the base64 Aes-Key header, PGP-decrypts it with the
// keyring, and combines it with an optional hex Aes-Iv header to produce the
// KeyMaterial openssl needs. Mirrors decrypt_aes_key/aes_decryption_args_from_headers.
func (kr *Keyring) DecryptAesKey(aesKeyHeader, aesIVHeader string) (*KeyMaterial, error) {
	if aesKeyHeader == "" {
		return nil, apierr.PolicyDenied("missing Aes-Key header")
	}
	raw, err := base64.StdEncoding.DecodeString(aesKeyHeader)
	if err != nil {
		return nil, apierr.PolicyDenied("Aes-Key is not valid base64")
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), kr.entities, nil, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPolicyDenied, 400, "could not decrypt Aes-Key", err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPolicyDenied, 400, "could not read decrypted Aes-Key", err)
	}

	if aesIVHeader == "" {
		// Derived-IV mode: pass the raw key material as an openssl passphrase.
		return &KeyMaterial{Passphrase: string(plain)}, nil
	}

	if _, err := hex.DecodeString(aesIVHeader); err != nil {
		return nil, apierr.PolicyDenied("Aes-Iv is not valid hex")
	}
	return &KeyMaterial{HexKey: hex.EncodeToString(plain), HexIV: aesIVHeader}, nil
}
