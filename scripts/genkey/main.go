// genkey writes an Ed25519 key pair for signing reviewer tokens and prints
// a random admin API key.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// The printed lines can be appended to .env. Without persistent keys the
// server generates an ephemeral pair on each start and every reviewer token
// issued before a restart stops validating.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", "data", "directory for the PEM files")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	// Rotating keys invalidates live tokens, so make it explicit.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; remove it to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	adminKey := make([]byte, 32)
	if _, err := rand.Read(adminKey); err != nil {
		return fmt.Errorf("generate admin key: %w", err)
	}

	fmt.Printf("MADOGUCHI_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("MADOGUCHI_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("MADOGUCHI_ADMIN_API_KEY=%s\n", base64.RawURLEncoding.EncodeToString(adminKey))
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
