// Package cert mints leaf TLS certificates on the fly for MITM interception.
//
// A CA keypair is generated once (or loaded from disk) and used to sign a
// short-lived leaf certificate for every hostname the proxy terminates TLS
// for. Leaves are cached in-memory so repeat connections to the same host
// reuse the same certificate instead of paying an RSA/ECDSA signature for
// every handshake.
package cert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CA mints and hands out leaf certificates for a given commonName (hostname
// or SNI value), and exposes the root certificate for client trust setup.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

const (
	leafValidity  = 365 * 24 * time.Hour
	rootValidity  = 10 * 365 * 24 * time.Hour
	leafCacheSize = 1024
)

// SelfSignCA is a CA backed by a self-signed root keypair, persisted to disk
// under a store directory so the same root survives process restarts.
type SelfSignCA struct {
	PrivateKey ecdsa.PrivateKey
	rootCert   *x509.Certificate
	rootDER    []byte

	storePath string

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   singleflight.Group

	// ExtraSANNames is consulted by GetCert (in addition to commonName) to
	// widen a single leaf's SAN list, e.g. to also cover a CONNECT target
	// that resolved to a different name than the TLS SNI value (§4.3).
	ExtraSANNames func(commonName string) []string
}

// NewSelfSignCA loads a CA from storePath (creating one if absent) or, when
// storePath is empty, resolves a default per-user store location.
func NewSelfSignCA(storePath string) (CA, error) {
	path, err := getStorePath(storePath)
	if err != nil {
		return nil, err
	}

	ca := &SelfSignCA{
		storePath: path,
		cache:     lru.New(leafCacheSize),
	}

	if err := ca.loadOrGenerate(); err != nil {
		return nil, err
	}
	return ca, nil
}

// getStorePath resolves the directory certificates are persisted to. An
// empty input defers to the user's config directory.
func getStorePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mockproxy", "ca"), nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, "ca-cert.pem")
}

func (ca *SelfSignCA) keyFile() string {
	return filepath.Join(ca.storePath, "ca-key.pem")
}

func (ca *SelfSignCA) loadOrGenerate() error {
	if certPEM, err := os.ReadFile(ca.caFile()); err == nil {
		keyPEM, err := os.ReadFile(ca.keyFile())
		if err != nil {
			return err
		}
		return ca.loadFrom(certPEM, keyPEM)
	}

	if err := ca.generate(); err != nil {
		return err
	}
	return ca.persist()
}

func (ca *SelfSignCA) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	ca.PrivateKey = *key

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mockproxy local CA",
			Organization: []string{"mockproxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	ca.rootDER = der
	ca.rootCert, err = x509.ParseCertificate(der)
	return err
}

func (ca *SelfSignCA) loadFrom(certPEM, keyPEM []byte) error {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errors.New("cert: invalid CA certificate PEM")
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errors.New("cert: invalid CA key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("cert: CA key is not ECDSA")
	}

	ca.PrivateKey = *ecKey
	ca.rootCert = rootCert
	ca.rootDER = certBlock.Bytes
	return nil
}

// saveTo PEM-encodes the CA certificate to w (used by persist, and directly
// by tests that verify the on-disk content matches).
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootDER})
}

func (ca *SelfSignCA) persist() error {
	if err := os.MkdirAll(ca.storePath, 0o700); err != nil {
		return err
	}

	var certBuf bytes.Buffer
	if err := ca.saveTo(&certBuf); err != nil {
		return err
	}
	if err := os.WriteFile(ca.caFile(), certBuf.Bytes(), 0o600); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(&ca.PrivateKey)
	if err != nil {
		return err
	}
	var keyBuf bytes.Buffer
	if err := pem.Encode(&keyBuf, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return err
	}
	return os.WriteFile(ca.keyFile(), keyBuf.Bytes(), 0o600)
}

// GetRootCA returns the CA's own certificate for client trust installation.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert returns a leaf certificate for commonName, minting and caching one
// on first use. Concurrent requests for the same name are coalesced via
// singleflight so a cold cache under load signs exactly once.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(commonName); ok {
		ca.cacheMu.Unlock()
		return val.(*tls.Certificate), nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(commonName, func() (any, error) {
		return ca.DummyCert(commonName)
	})
	if err != nil {
		return nil, err
	}

	tlsCert := val.(*tls.Certificate)
	ca.cacheMu.Lock()
	ca.cache.Add(commonName, tlsCert)
	ca.cacheMu.Unlock()
	return tlsCert, nil
}

// DummyCert mints a fresh leaf certificate for commonName signed by the CA,
// without consulting or populating the cache. The SAN list includes
// commonName plus anything ExtraSANNames contributes (e.g. the CONNECT
// target, per §4.3).
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	names := map[string]struct{}{commonName: {}}
	if ca.ExtraSANNames != nil {
		for _, n := range ca.ExtraSANNames(commonName) {
			names[n] = struct{}{}
		}
	}

	var dnsNames []string
	var ips []net.IP
	for n := range names {
		if ip := net.ParseIP(n); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, n)
		}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf for %q: %w", commonName, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootDER},
		PrivateKey:  key,
	}, nil
}
