// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))
	assert.Equal(t, "ETIMEDOUT", cfg.ErrClassifier.Classify(context.DeadlineExceeded))

	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryTimeout)
	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.DeadTimeout)
	assert.Equal(t, 30*time.Minute, cfg.MaxDeadTimeout)

	assert.False(t, cfg.DisablePings)
	assert.False(t, cfg.DisableSniffOnStartup)
	assert.False(t, cfg.ThrowExceptions)

	assert.Equal(t, []string{"Warning", "X-Found-Handling-Cluster"}, cfg.ResponseHeadersToParse)
	assert.Equal(t, []int{204, 304}, cfg.SkipDeserializationForStatusCodes)
	assert.Equal(t, []int{502, 503, 504}, cfg.RetryableStatusCodes)

	require.NotNil(t, cfg.MemoryStreamFactory)
	require.NotNil(t, cfg.MetricsHook)
	assert.Nil(t, cfg.Serializer)
}

func TestConfigTLSConfigDefault(t *testing.T) {
	cfg := NewConfig()
	tlsCfg := cfg.tlsConfig("es.example.com")

	assert.Equal(t, "es.example.com", tlsCfg.ServerName)
	assert.False(t, tlsCfg.InsecureSkipVerify)
	assert.Nil(t, tlsCfg.VerifyPeerCertificate)
}

func TestConfigTLSConfigCertificateFingerprint(t *testing.T) {
	leaf := []byte("pretend-der-certificate-bytes")
	sum := sha256.Sum256(leaf)

	cfg := NewConfig()
	cfg.CertificateFingerprint = hex.EncodeToString(sum[:])
	tlsCfg := cfg.tlsConfig("es.example.com")

	require.True(t, tlsCfg.InsecureSkipVerify)
	require.NotNil(t, tlsCfg.VerifyPeerCertificate)

	assert.NoError(t, tlsCfg.VerifyPeerCertificate([][]byte{leaf}, nil))
	assert.Error(t, tlsCfg.VerifyPeerCertificate([][]byte{[]byte("wrong")}, nil))
	assert.Error(t, tlsCfg.VerifyPeerCertificate(nil, nil))
}

func TestConfigTLSConfigValidationCallback(t *testing.T) {
	var seen []byte
	cfg := NewConfig()
	cfg.ServerCertificateValidationCallback = func(leaf []byte) error {
		seen = leaf
		return nil
	}
	tlsCfg := cfg.tlsConfig("es.example.com")

	require.True(t, tlsCfg.InsecureSkipVerify)
	require.NotNil(t, tlsCfg.VerifyPeerCertificate)

	assert.NoError(t, tlsCfg.VerifyPeerCertificate([][]byte{[]byte("leaf-bytes")}, nil))
	assert.Equal(t, []byte("leaf-bytes"), seen)
	assert.Error(t, tlsCfg.VerifyPeerCertificate(nil, nil))
}

func TestConfigTLSConfigClientCertificates(t *testing.T) {
	cfg := NewConfig()
	assert.Empty(t, cfg.ClientCertificates)
	tlsCfg := cfg.tlsConfig("es.example.com")
	assert.Empty(t, tlsCfg.Certificates)
}
