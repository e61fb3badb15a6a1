package bundle

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const signaturePrefix = "sshsig-v1"

// Signer signs manifest bytes and returns an encoded signature.
type Signer func(payload []byte) (string, error)

// NewSSHSigner loads an SSH private key. An empty keyPath tries the usual
// ~/.ssh key names in order.
func NewSSHSigner(keyPath string) (Signer, string, error) {
	resolved, err := resolveKeyPath(keyPath)
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("read signing key %q: %w", resolved, err)
	}
	key, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse signing key %q: %w", resolved, err)
	}
	return signerFor(key), resolved, nil
}

func signerFor(key ssh.Signer) Signer {
	pubB64 := base64.StdEncoding.EncodeToString(key.PublicKey().Marshal())
	return func(payload []byte) (string, error) {
		sig, err := key.Sign(rand.Reader, payload)
		if err != nil {
			return "", err
		}
		sigB64 := base64.StdEncoding.EncodeToString(sig.Blob)
		return fmt.Sprintf("%s:%s:%s:%s", signaturePrefix, sig.Format, pubB64, sigB64), nil
	}
}

// Verify checks an encoded signature over payload. When trusted is non-nil
// the signing key must be one of them, so an empty non-nil slice rejects
// every key.
func Verify(payload []byte, signature string, trusted []ssh.PublicKey) error {
	parts := strings.Split(signature, ":")
	if len(parts) != 4 || parts[0] != signaturePrefix {
		return errors.New("malformed signature")
	}
	pubRaw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	pub, err := ssh.ParsePublicKey(pubRaw)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if err := pub.Verify(payload, &ssh.Signature{Format: parts[1], Blob: blob}); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if trusted != nil {
		for _, k := range trusted {
			if bytes.Equal(k.Marshal(), pub.Marshal()) {
				return nil
			}
		}
		return fmt.Errorf("signing key %s is not trusted", ssh.FingerprintSHA256(pub))
	}
	return nil
}

// LoadAuthorizedKeys parses an authorized_keys style file of trusted keys.
// A file with no keys is an error so it cannot widen trust to any signer.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	var keys []ssh.PublicKey
	for len(bytes.TrimSpace(data)) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse trusted keys %s: %w", path, err)
		}
		keys = append(keys, pub)
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("trusted keys %s: no public keys found", path)
	}
	return keys, nil
}

func resolveKeyPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("resolve home dir: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		candidate := filepath.Join(home, ".ssh", name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", errors.New("no default SSH private key found in ~/.ssh (id_ed25519, id_ecdsa, id_rsa)")
}
