// Copyright 2026 The mitmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mitmca loads and holds the root certificate authority that
// signs every leaf certificate this proxy mints. Once loaded the CA is
// immutable and safe for unsynchronized concurrent reads, same as the
// teacher's certificate config is treated as read-only after load.
package mitmca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// CA is an immutable handle on the root certificate authority's key and
// certificate. Construct with Load, LoadFromPEM, or Generate.
type CA struct {
	cert    *x509.Certificate
	certDER []byte
	key     crypto.Signer
	// PublicPEM is the PEM encoding of the root certificate, exposed so
	// operators can install it in client trust stores.
	PublicPEM []byte
}

// Load reads the CA certificate and private key from disk paths. Fails
// with an error wrapping the parse failure on malformed PEM or a
// cert/key mismatch (CONFIG_INVALID at the caller).
func Load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	return LoadFromPEM(certPEM, keyPEM)
}

// LoadFromPEM builds a CA from literal PEM bytes for the certificate and
// private key (RSA or ECDSA), verifying that the key matches the cert's
// public key.
func LoadFromPEM(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("no PEM block found in CA certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA certificate")
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, errors.New("CA certificate and key do not match")
	}

	return &CA{
		cert:      cert,
		certDER:   certBlock.Bytes,
		key:       key,
		PublicPEM: certPEM,
	}, nil
}

// Generate creates a fresh, self-signed root CA in memory, for
// development or first-use bootstrap, mirroring the embedded-generator
// input described for the CA component.
func Generate(organization string, validity time.Duration) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: organization + " Root CA"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return &CA{cert: cert, certDER: der, key: key, PublicPEM: certPEM}, nil
}

// Certificate returns the root CA's parsed certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// Signer returns the CA's private key for signing leaves.
func (ca *CA) Signer() crypto.Signer { return ca.key }

// TLSCertificate returns the CA certificate/key pair as a tls.Certificate
// chain entry, used when a degenerate all-in-one chain is needed.
func (ca *CA) TLSCertificate() tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{ca.certDER}, PrivateKey: ca.key}
}

// KeyAlgorithm reports the algorithm family of the CA key, so minted
// leaves can match it unless the caller overrides that.
func (ca *CA) KeyAlgorithm() x509.PublicKeyAlgorithm {
	switch ca.key.(type) {
	case *rsa.PrivateKey:
		return x509.RSA
	case *ecdsa.PrivateKey:
		return x509.ECDSA
	default:
		return x509.UnknownPublicKeyAlgorithm
	}
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, errors.New("key is not a signer")
	}
	return signer, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		return ok && ak.Equal(bk)
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		return ok && ak.Equal(bk)
	default:
		return false
	}
}
