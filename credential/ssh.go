package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// AuthMethods converts the credential to ssh auth methods. Key auth is
// tried before password auth.
func (c *Credential) AuthMethods() ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod

	if len(c.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(c.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, c.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auths = append(auths, ssh.Password(c.Password))
	}

	if len(auths) == 0 {
		return nil, errors.New("credential has neither a private key nor a password")
	}
	return auths, nil
}

// ClientConfig builds an ssh client config from the credential.
func (c *Credential) ClientConfig(hostKey ssh.HostKeyCallback) (*ssh.ClientConfig, error) {
	auths, err := c.AuthMethods()
	if err != nil {
		return nil, err
	}
	if c.User == "" {
		return nil, errors.New("credential has no user")
	}
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
	}, nil
}
