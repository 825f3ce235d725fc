package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	xssh "golang.org/x/crypto/ssh"
)

// pemKeyTypes are the PEM armor headers tried when the declared header
// does not match the key's true algorithm. Some key-generation tools
// emit a generic header, so a parse failure under the declared type is
// retried under each of these before giving up.
var pemKeyTypes = []string{
	"RSA PRIVATE KEY",
	"DSA PRIVATE KEY",
	"EC PRIVATE KEY",
	"OPENSSH PRIVATE KEY",
	"PRIVATE KEY",
}

// ParsePrivateKey parses PEM or OpenSSH private key material into a
// signer. On a parse failure it reinterprets the block under each
// supported algorithm by rewriting only the header/footer markers. An
// unparseable key yields a *KeyFormatError.
func ParsePrivateKey(material []byte, passphrase string) (xssh.Signer, error) {
	signer, err := parseOnce(material, passphrase)
	if err == nil {
		return signer, nil
	}
	if isPassphraseError(err) {
		return nil, &AuthError{Err: err}
	}

	block, _ := pem.Decode(material)
	if block == nil {
		return nil, &KeyFormatError{Err: err}
	}
	for _, alt := range pemKeyTypes {
		if alt == block.Type {
			continue
		}
		rewritten := pem.EncodeToMemory(&pem.Block{Type: alt, Headers: block.Headers, Bytes: block.Bytes})
		if signer, altErr := parseOnce(rewritten, passphrase); altErr == nil {
			return signer, nil
		}
	}
	return nil, &KeyFormatError{Err: err}
}

func parseOnce(material []byte, passphrase string) (xssh.Signer, error) {
	if passphrase != "" {
		return xssh.ParsePrivateKeyWithPassphrase(material, []byte(passphrase))
	}
	return xssh.ParsePrivateKey(material)
}

func isPassphraseError(err error) bool {
	var missing *xssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return true
	}
	return strings.Contains(err.Error(), "decryption password incorrect")
}

// LoadSigner reads a private key file and parses it.
func LoadSigner(path, passphrase string) (xssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data, passphrase)
}

// PublicAuthorizedKey derives the authorized_keys line for the private
// key at path.
func PublicAuthorizedKey(path string) (string, error) {
	signer, err := LoadSigner(path, "")
	if err != nil {
		return "", err
	}
	return string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private
// key to disk in OpenSSH PEM format and returns the public key in
// authorized_keys form.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	return string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}
