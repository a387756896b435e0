package host

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/pkg/errors"

	nodeconfig "github.com/weisyn/syncnet/internal/config/node"
)

// withSecurityOptions 根据配置构建安全层选项
func withSecurityOptions(cfg *nodeconfig.NodeOptions) []libp2p.Option {
	var opts []libp2p.Option
	if cfg.Host.Security.EnableNoise {
		opts = append(opts, libp2p.Security(noise.ID, noise.New))
	}
	if cfg.Host.Security.EnableTLS {
		opts = append(opts, libp2p.Security(tls.ID, tls.New))
	}
	if len(opts) == 0 {
		return []libp2p.Option{libp2p.DefaultSecurity}
	}
	return opts
}

// withIdentityOptions 加载节点身份
// 优先级：配置中的 base64 私钥 → 密钥文件 → 生成 Ed25519 并写入密钥文件。
// 两者都未配置时使用临时身份。
func withIdentityOptions(cfg *nodeconfig.NodeOptions) ([]libp2p.Option, error) {
	priv, err := loadIdentity(cfg.Host.Identity)
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, nil
	}
	return []libp2p.Option{libp2p.Identity(priv)}, nil
}

func loadIdentity(id nodeconfig.IdentityConfig) (crypto.PrivKey, error) {
	if pk := strings.TrimSpace(id.PrivateKey); pk != "" {
		priv, err := decodePrivateKey(pk)
		if err != nil {
			return nil, errors.Wrap(err, "identity private_key")
		}
		return priv, nil
	}

	keyPath := strings.TrimSpace(id.KeyFile)
	if keyPath == "" {
		return nil, nil
	}
	if b, err := os.ReadFile(keyPath); err == nil {
		priv, err := decodePrivateKey(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, errors.Wrapf(err, "identity key file %s", keyPath)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read identity key file %s", keyPath)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate identity")
	}
	if err := persistPrivateKey(priv, keyPath); err != nil {
		return nil, err
	}
	return priv, nil
}

// decodePrivateKey 解码 base64(crypto.MarshalPrivateKey) 格式的私钥
func decodePrivateKey(b64 string) (crypto.PrivKey, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty key")
	}
	return crypto.UnmarshalPrivateKey(data)
}

// persistPrivateKey 将私钥以 base64 写入文件
func persistPrivateKey(priv crypto.PrivKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create identity dir")
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(raw)
	return errors.Wrap(os.WriteFile(path, []byte(enc), 0o600), "write identity key file")
}
