package sender

import (
	"crypto/tls"
	"net/http"

	"relaynode/config"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NewHTTP3Client 创建非单例的 HTTP/3 客户端
func NewHTTP3Client(cfg *config.Config) *http.Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	tlsCfg := &tls.Config{
		// 节点用自签名证书，身份靠 magic 和消息完整性校验
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
		NextProtos:         []string{http3.NextProtoH3},
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Network.ConnectionTimeout,
	}
}
