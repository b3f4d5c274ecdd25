// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/outpost-sec/outpost/lib/secret"
)

// Suffix is appended to a file path when its sealed counterpart is
// written alongside it.
const Suffix = ".age"

// Keypair holds an age x25519 keypair. The private key is stored in a
// secret.Buffer (mmap-backed, locked against swap, excluded from core
// dumps). The public key is a plain string, safe to publish and to place
// in the agent config as the seal recipient.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format, stored
	// in mmap memory outside the Go heap. It must never be logged or
	// written to the agent config; it belongs with the analyst tooling
	// that opens sealed evidence.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding recipient in age1... format.
	PublicKey string
}

// Close releases the private key memory (zeros, unlocks, unmaps).
// Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair. The caller must
// call Close on the returned Keypair when done.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the private key into mmap-backed memory immediately. The
	// identity struct's heap string will be GC'd; the buffer is the
	// durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Seal encrypts src to dst for the given age recipients. At least one
// recipient is required. The stream is encrypted as it is copied; nothing
// is buffered beyond age's internal chunking.
func Seal(dst io.Writer, src io.Reader, recipientKeys ...string) error {
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	writer, err := age.Encrypt(dst, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.Copy(writer, src); err != nil {
		return fmt.Errorf("sealing stream: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing seal: %w", err)
	}
	return nil
}

// Unseal decrypts src to dst with the given private key. The key is
// borrowed and not closed.
func Unseal(dst io.Writer, src io.Reader, privateKey *secret.Buffer) error {
	// The buffer becomes a string at the API boundary; age requires one.
	// The heap copy is brief and call-scoped.
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	reader, err := age.Decrypt(src, identity)
	if err != nil {
		return fmt.Errorf("unsealing: %w", err)
	}
	if _, err := io.Copy(dst, reader); err != nil {
		return fmt.Errorf("reading unsealed stream: %w", err)
	}
	return nil
}

// SealFile seals path to path+".age" and returns the sealed path. The
// sealed file is created 0600; a partial file is removed on error. The
// plaintext original is left in place — the caller decides when it is
// safe to discard.
func SealFile(path string, recipientKeys ...string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	sealedPath := path + Suffix
	dst, err := os.OpenFile(sealedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", sealedPath, err)
	}

	if err := Seal(dst, src, recipientKeys...); err != nil {
		dst.Close()
		os.Remove(sealedPath)
		return "", fmt.Errorf("sealing %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(sealedPath)
		return "", fmt.Errorf("closing %s: %w", sealedPath, err)
	}
	return sealedPath, nil
}

// UnsealFile decrypts sealedPath to dstPath (created 0600) with the
// given private key. A partial file is removed on error.
func UnsealFile(sealedPath, dstPath string, privateKey *secret.Buffer) error {
	src, err := os.Open(sealedPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sealedPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dstPath, err)
	}

	if err := Unseal(dst, src, privateKey); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("unsealing %s: %w", sealedPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("closing %s: %w", dstPath, err)
	}
	return nil
}

// ParsePublicKey validates an age public key string. Used to reject a
// bad seal_recipient at startup instead of at first capture.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates an age private key stored in a secret.Buffer.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(privateKey.String()); err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}
