package crt

import (
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
	"os"
	"time"

	"relaynode/logs"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// NodeIDPrefix 节点证书标识的 bech32 前缀
const NodeIDPrefix = "rn"

// NodeID 证书公钥的 bech32 标识：rn1...，= bech32(hash160(压缩公钥))
func NodeID(pub *ecdsa.PublicKey) (string, error) {
	hash := btcutil.Hash160(elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y))
	converted, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(NodeIDPrefix, converted)
}

// LoadOrCreate 读取 certFile/keyFile；任一为空时生成内存里的自签名证书，
// 文件不存在时生成后写入
func LoadOrCreate(certFile, keyFile, org string) (tls.Certificate, string, error) {
	if certFile == "" || keyFile == "" {
		certPEM, keyPEM, err := generateSelfSigned(org)
		if err != nil {
			return tls.Certificate{}, "", err
		}
		return parsePair(certPEM, keyPEM)
	}

	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		certPEM, keyPEM, err := generateSelfSigned(org)
		if err != nil {
			return tls.Certificate{}, "", err
		}
		if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
			return tls.Certificate{}, "", err
		}
		if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
			return tls.Certificate{}, "", err
		}
		logs.Debug("Certificate and key generated: %s %s", certFile, keyFile)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	return parsePair(certPEM, keyPEM)
}

func parsePair(certPEM, keyPEM []byte) (tls.Certificate, string, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("load key pair: %w", err)
	}
	priv, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return cert, "", nil
	}
	id, err := NodeID(&priv.PublicKey)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	return cert, id, nil
}

func generateSelfSigned(org string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	nodeID, err := NodeID(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   nodeID,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	return certPEM, keyPEM, nil
}
