// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package identity manages this install's stable device identity: the
// device id, the long-lived keypair and the self-signed certificate
// anchoring the transport's TLS layer. The certificate's public key
// fingerprint is what trust records quote.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/proxishare/proxishare/osutil"
	"github.com/proxishare/proxishare/randutil"
)

const (
	deviceIDFile = "device-id"
	keyFile      = "device-key.pem"
	certFile     = "device-cert.pem"
)

// certValidity is intentionally long: the certificate is an identity
// anchor, not a PKI artifact; peers pin its fingerprint, not a chain.
const certValidity = 20 * 365 * 24 * time.Hour

// Identity is the loaded per-install identity.
type Identity struct {
	DeviceID    string
	Certificate tls.Certificate
	// Fingerprint is the hex SHA-256 of this device's public key.
	Fingerprint string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Load reads the identity from the data directory, generating and
// persisting a fresh one on first launch.
func Load(dataDir string) (*Identity, error) {
	idPath := filepath.Join(dataDir, deviceIDFile)
	keyPath := filepath.Join(dataDir, keyFile)
	certPath := filepath.Join(dataDir, certFile)

	if !osutil.FileExists(idPath) || !osutil.FileExists(keyPath) || !osutil.FileExists(certPath) {
		return generate(dataDir)
	}

	idBytes, err := os.ReadFile(idPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read device id: %w", err)
	}
	deviceID := strings.TrimSpace(string(idBytes))
	if !ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("cannot load identity: invalid device id %q", deviceID)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load device certificate: %w", err)
	}

	return fromParts(deviceID, cert)
}

// ValidDeviceID reports whether s looks like a device id: 32 hex
// characters encoding 128 bits.
func ValidDeviceID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func generate(dataDir string) (*Identity, error) {
	deviceID, err := randutil.DeviceID()
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate device key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{"ProxiShare"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("cannot create device certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := osutil.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := osutil.AtomicWriteFile(filepath.Join(dataDir, keyFile), keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("cannot persist device key: %w", err)
	}
	if err := osutil.AtomicWriteFile(filepath.Join(dataDir, certFile), certPEM, 0644); err != nil {
		return nil, fmt.Errorf("cannot persist device certificate: %w", err)
	}
	if err := osutil.AtomicWriteFile(filepath.Join(dataDir, deviceIDFile), []byte(deviceID+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("cannot persist device id: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}
	return fromParts(deviceID, cert)
}

func fromParts(deviceID string, cert tls.Certificate) (*Identity, error) {
	priv, ok := cert.PrivateKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cannot load identity: device key is not an ed25519 key")
	}
	pub := priv.Public().(ed25519.PublicKey)

	fp, err := Fingerprint(cert.Certificate[0])
	if err != nil {
		return nil, err
	}

	return &Identity{
		DeviceID:    deviceID,
		Certificate: cert,
		Fingerprint: fp,
		priv:        priv,
		pub:         pub,
	}, nil
}

// Sign signs the message with the device key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

// Verify checks a signature made by the device key behind the given
// certificate.
func Verify(certDER, message, sig []byte) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("cannot parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("cannot verify signature: not an ed25519 key")
	}
	if !ed25519.Verify(pub, message, sig) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of the public key inside the
// given DER certificate. This is the value trust records pin.
func Fingerprint(certDER []byte) (string, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return "", fmt.Errorf("cannot parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("cannot encode public key: %w", err)
	}
	sum := sha256.Sum256(keyDER)
	return hex.EncodeToString(sum[:]), nil
}

// CertDeviceID extracts the device id a certificate claims in its
// subject common name.
func CertDeviceID(certDER []byte) (string, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return "", fmt.Errorf("cannot parse certificate: %w", err)
	}
	if !ValidDeviceID(cert.Subject.CommonName) {
		return "", fmt.Errorf("certificate subject %q does not carry a device id", cert.Subject.CommonName)
	}
	return cert.Subject.CommonName, nil
}

// NewHasher returns a streaming SHA-256 hasher for transfer content.
func NewHasher() hash.Hash {
	return sha256.New()
}

// HashFile computes the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
