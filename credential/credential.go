// Package credential resolves the authentication material used to reach a host.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ohsu-comp-bio/gfac/job"
)

// ErrNotFound is returned when no credential exists for a host.
var ErrNotFound = errors.New("credential not found")

// Credential holds authentication material for one host.
type Credential struct {
	User string
	// PEM encoded private key.
	PrivateKey []byte
	// Passphrase protecting PrivateKey, if any.
	Passphrase []byte
	Password   string
	// Delegated (proxy) credential, PEM encoded. The gram backend hands
	// it to the gatekeeper commands.
	Proxy []byte
}

// Resolver supplies credentials for hosts.
type Resolver interface {
	Resolve(ctx context.Context, h *job.Host) (*Credential, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, h *job.Host) (*Credential, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, h *job.Host) (*Credential, error) {
	return f(ctx, h)
}

// Static resolves every host to the same credential.
type Static Credential

// Resolve returns a copy of the credential.
func (s Static) Resolve(ctx context.Context, h *job.Host) (*Credential, error) {
	c := Credential(s)
	if c.User == "" && h != nil {
		c.User = h.User
	}
	return &c, nil
}

// Chain tries each resolver in order, skipping those which report ErrNotFound.
type Chain []Resolver

// Resolve returns the first credential found.
func (c Chain) Resolve(ctx context.Context, h *job.Host) (*Credential, error) {
	for _, r := range c {
		cred, err := r.Resolve(ctx, h)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return cred, err
	}
	return nil, fmt.Errorf("%w for host %s", ErrNotFound, h.Key())
}

// KeyDir resolves private keys from a directory.
//
// For a host keyed "h" it tries, in order:
//
//	<Dir>/h/id_rsa
//	<Dir>/h/id_ed25519
//	<Dir>/h.pem
//	<Dir>/id_rsa
//	<Dir>/id_ed25519
type KeyDir struct {
	Dir        string
	User       string
	Passphrase []byte
}

// Resolve reads the first key found for the host.
func (k KeyDir) Resolve(ctx context.Context, h *job.Host) (*Credential, error) {
	name := h.Key()
	candidates := []string{
		filepath.Join(k.Dir, name, "id_rsa"),
		filepath.Join(k.Dir, name, "id_ed25519"),
		filepath.Join(k.Dir, name+".pem"),
		filepath.Join(k.Dir, "id_rsa"),
		filepath.Join(k.Dir, "id_ed25519"),
	}

	for _, p := range candidates {
		b, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading key %s: %w", p, err)
		}

		user := h.User
		if user == "" {
			user = k.User
		}
		return &Credential{User: user, PrivateKey: b, Passphrase: k.Passphrase}, nil
	}
	return nil, fmt.Errorf("%w for host %s in %s", ErrNotFound, name, k.Dir)
}
