// Package pki monta as configurações mTLS das conexões de ingest e
// controle do N-EVB. A validação é fail-fast: certificado e CA são
// parseados e verificados na carga da configuração, para que um builder
// com PKI quebrada morra no startup e não no primeiro handshake de
// producer no meio de um run.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Erros de validação da PKI.
var (
	ErrCertificateExpired  = errors.New("pki: certificate expired")
	ErrCertificateNotValid = errors.New("pki: certificate not yet valid")
	ErrNotSignedByCA       = errors.New("pki: certificate does not chain to CA")
)

// NewServerTLSConfig monta o tls.Config dos listeners do builder: TLS 1.3
// e mTLS obrigatório — só producers com certificado assinado pela CA do
// experimento conectam. O certificado do server é validado contra a mesma
// CA na carga.
func NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, leaf, err := loadKeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	if err := verifyAgainstCA(leaf, caPool); err != nil {
		return nil, fmt.Errorf("server certificate %s: %w", serverCertPath, err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// NewClientTLSConfig monta o tls.Config de um producer (ou do nevb-ctl
// quando o controle roda sobre TLS): TLS 1.3 com autenticação mútua,
// validando o próprio certificado contra a CA antes de discar.
func NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cert, leaf, err := loadKeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	if err := verifyAgainstCA(leaf, caPool); err != nil {
		return nil, fmt.Errorf("client certificate %s: %w", clientCertPath, err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// loadKeyPair carrega o par cert/key e parseia o leaf para as checagens de
// validade temporal. Um certificado vencido (ou ainda não válido — relógio
// do host atrasado) é erro de carga.
func loadKeyPair(certPath, keyPath string) (tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	now := time.Now()
	if now.After(leaf.NotAfter) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s (not after %s)",
			ErrCertificateExpired, certPath, leaf.NotAfter.Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s (not before %s)",
			ErrCertificateNotValid, certPath, leaf.NotBefore.Format(time.RFC3339))
	}

	cert.Leaf = leaf
	return cert, leaf, nil
}

// loadCACertPool lê o bundle PEM da CA (pode conter mais de um
// certificado, ex.: rotação de CA do experimento).
func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no usable CA certificates in %s", caCertPath)
	}

	return pool, nil
}

// verifyAgainstCA confirma que o leaf encadeia até a CA carregada.
func verifyAgainstCA(leaf *x509.Certificate, pool *x509.CertPool) error {
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSignedByCA, err)
	}
	return nil
}
