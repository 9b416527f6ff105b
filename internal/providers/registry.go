// Package providers builds vendor clients for model profiles. The registry
// owns the shared HTTP transport (including the optional SOCKS proxy) and
// the credential keyring, so the rest of the code only sees convo.Provider.
package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"convobot/internal/convo"
	"convobot/internal/crypto"
	"convobot/internal/providers/openaichat"
	"convobot/internal/storage"
)

type Config struct {
	// DefaultAPIKey serves model profiles without a sealed credential.
	DefaultAPIKey string
	BaseURL       string
	SOCKSProxyURL string

	RequestTimeout time.Duration

	Keyring *crypto.Keyring
}

type Registry struct {
	cfg        Config
	httpClient *http.Client
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	client, err := buildHTTPClient(cfg.SOCKSProxyURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &Registry{cfg: cfg, httpClient: client}, nil
}

var _ convo.ProviderFactory = (*Registry)(nil)

func (r *Registry) ForModel(ctx context.Context, m storage.ModelProfile) (convo.Provider, error) {
	key, err := r.credential(m)
	if err != nil {
		return nil, err
	}
	switch m.Provider {
	case storage.ProviderOpenAI, "":
		return openaichat.New(openaichat.Config{
			APIKey:     key,
			BaseURL:    r.cfg.BaseURL,
			HTTPClient: r.httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", m.Provider)
	}
}

// ImageClient returns the client used for image generation, which always
// runs on the default credential.
func (r *Registry) ImageClient() *openaichat.Client {
	return openaichat.New(openaichat.Config{
		APIKey:     r.cfg.DefaultAPIKey,
		BaseURL:    r.cfg.BaseURL,
		HTTPClient: r.httpClient,
	})
}

func (r *Registry) credential(m storage.ModelProfile) (string, error) {
	if m.EncAPIKey == "" {
		if r.cfg.DefaultAPIKey == "" {
			return "", fmt.Errorf("model %s has no credential and no default api key is set", m.TitleModel)
		}
		return r.cfg.DefaultAPIKey, nil
	}
	if r.cfg.Keyring == nil {
		return "", fmt.Errorf("model %s has a sealed credential but no keyring is configured", m.TitleModel)
	}
	key, err := r.cfg.Keyring.OpenCredential(m.EncAPIKey)
	if err != nil {
		return "", fmt.Errorf("open credential for model %s: %w", m.TitleModel, err)
	}
	return key, nil
}

func buildHTTPClient(socksURL string, timeout time.Duration) (*http.Client, error) {
	if socksURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	addr := socksURL
	if u, err := url.Parse(socksURL); err == nil && u.Host != "" {
		addr = u.Host
	}
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		},
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
