// Package vault resolves secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection and authentication settings.
type Config struct {
	Address string

	// AuthMethod selects how to log in: "token", "approle" or "cert".
	AuthMethod string
	Token      string
	RoleID     string
	SecretID   string

	CACert     string
	ClientCert string
	ClientKey  string
}

// Resolver reads secrets from Vault KV stores. Reference format:
// "path/to/secret#field"; the field defaults to "value".
type Resolver struct {
	client *vault.Client
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New connects and authenticates against Vault. AppRole and cert logins
// start a token renewer that runs until Close.
func New(cfg Config) (*Resolver, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	r := &Resolver{client: client, stopCh: make(chan struct{})}

	var login *vault.Secret
	switch cfg.AuthMethod {
	case "token", "":
		token := cfg.Token
		if token == "" {
			token = client.Token()
		}
		if token == "" {
			return nil, fmt.Errorf("vault token auth selected but no token available")
		}
		client.SetToken(token)
		return r, nil

	case "approle":
		login, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})

	case "cert":
		login, err = client.Logical().Write("auth/cert/login", nil)

	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}

	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if login == nil || login.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}

	client.SetToken(login.Auth.ClientToken)

	r.wg.Add(1)
	go r.renewToken(login.Auth)

	return r, nil
}

// Resolve reads one field from a Vault secret, unwrapping the KV v2 "data"
// envelope when present.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	path := ref
	field := "value"
	if idx := strings.LastIndex(ref, "#"); idx != -1 {
		path = ref[:idx]
		field = ref[idx+1:]
	}

	sec, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", path, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", path)
	}

	data := sec.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("field %q not found in vault secret %q", field, path)
	}

	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (r *Resolver) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	return nil
}

func (r *Resolver) renewToken(auth *vault.SecretAuth) {
	defer r.wg.Done()

	if !auth.Renewable {
		return
	}

	lease := time.Duration(auth.LeaseDuration) * time.Second
	if lease <= 0 {
		return
	}

	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// Renewal failures surface on the next Resolve.
			_, _ = r.client.Auth().Token().RenewSelf(0)
		}
	}
}
