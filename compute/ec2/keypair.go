package ec2

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/ohsu-comp-bio/gfac/util/fsutil"
	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

// KeyPair is the local keypair instances are accessed with.
type KeyPair struct {
	Name       string
	PrivateKey []byte
	PublicKey  ssh.PublicKey
	// Generated is true if the key was created by this call rather
	// than loaded from disk.
	Generated bool
}

// LoadOrGenerateKey returns the keypair stored in dir as <name>.pem,
// generating and storing one if no private key file exists. An existing
// private key is never replaced.
func LoadOrGenerateKey(dir, name string) (*KeyPair, error) {
	path := filepath.Join(dir, name+".pem")

	b, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", path, err)
		}
		return &KeyPair{Name: name, PrivateKey: b, PublicKey: signer.PublicKey()}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	priv := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	// A key written concurrently by another process wins.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		return LoadOrGenerateKey(dir, name)
	}
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(priv); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".pub"), ssh.MarshalAuthorizedKey(pub), 0644); err != nil {
		return nil, err
	}
	return &KeyPair{Name: name, PrivateKey: priv, PublicKey: pub, Generated: true}, nil
}

// ImportKey makes sure the cloud has a key named kp.Name. A newly
// generated key replaces any existing cloud key of the same name; a
// loaded key is only imported if the cloud has none.
func ImportKey(ctx context.Context, api ec2iface.EC2API, kp *KeyPair) error {
	exists, err := remoteKeyExists(ctx, api, kp.Name)
	if err != nil {
		return err
	}

	if exists && !kp.Generated {
		return nil
	}
	if exists {
		_, err := api.DeleteKeyPairWithContext(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(kp.Name),
		})
		if err != nil && !isCode(err, "InvalidKeyPair.NotFound") {
			return fmt.Errorf("deleting key pair %s: %w", kp.Name, err)
		}
	}

	_, err = api.ImportKeyPairWithContext(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(kp.Name),
		PublicKeyMaterial: ssh.MarshalAuthorizedKey(kp.PublicKey),
	})
	if err != nil {
		return fmt.Errorf("importing key pair %s: %w", kp.Name, err)
	}
	return nil
}

func remoteKeyExists(ctx context.Context, api ec2iface.EC2API, name string) (bool, error) {
	out, err := api.DescribeKeyPairsWithContext(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []*string{aws.String(name)},
	})
	if isCode(err, "InvalidKeyPair.NotFound") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("describing key pair %s: %w", name, err)
	}
	return len(out.KeyPairs) > 0, nil
}

func isCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
