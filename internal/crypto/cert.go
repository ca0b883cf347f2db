package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	certSetting    = "server_cert"
	certKeySetting = "server_cert_key"
)

// GenerateServerCertPair creates a self-signed ECDSA P-256 server
// certificate valid for hosts, which may be names or IP addresses.
func GenerateServerCertPair(hosts []string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "termrt"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}

// ServerCert returns the HTTP server's certificate, generating and saving
// it on first use. The private key is stored encrypted.
func (s *SecretStore) ServerCert(ctx context.Context, hosts []string) (*tls.Certificate, error) {
	if certPEM, err := s.settings.GetSetting(ctx, certSetting); err == nil && certPEM != "" {
		if keyPEM, err := s.Get(ctx, certKeySetting); err == nil && keyPEM != "" {
			if parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM)); err == nil {
				if leaf, err := x509.ParseCertificate(parsed.Certificate[0]); err == nil && time.Now().Before(leaf.NotAfter) {
					return &parsed, nil
				}
			}
		}
	}

	certPEM, keyPEM, err := GenerateServerCertPair(hosts)
	if err != nil {
		return nil, fmt.Errorf("generate server cert: %w", err)
	}
	if err := s.Put(ctx, certKeySetting, keyPEM); err != nil {
		return nil, fmt.Errorf("save server key: %w", err)
	}
	if err := s.settings.SetSetting(ctx, certSetting, certPEM); err != nil {
		return nil, fmt.Errorf("save server cert: %w", err)
	}

	parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse server cert: %w", err)
	}
	return &parsed, nil
}
