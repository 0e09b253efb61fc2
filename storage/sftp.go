// Package storage moves files between the local host and remote hosts over SFTP.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/ohsu-comp-bio/gfac/util/fsutil"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var log = logger.Sub("storage")

// SFTPClient provides file access on a remote SSH server.
type SFTPClient struct {
	Host   string
	client *sftp.Client
}

// NewSFTPClient opens an sftp subsystem on an existing ssh connection.
// Closing the client does not close conn.
func NewSFTPClient(conn *ssh.Client) (*SFTPClient, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("unable to start sftp subsystem: %v", err)
	}
	return &SFTPClient{
		Host:   conn.RemoteAddr().String(),
		client: client,
	}, nil
}

// Close closes the sftp subsystem.
func (s *SFTPClient) Close() error {
	log.Debug("SFTP subsystem closed", "host", s.Host)
	return s.client.Close()
}

// MkdirAll creates each directory and its parents. Existing directories
// are not an error.
func (s *SFTPClient) MkdirAll(dirs ...string) error {
	for _, d := range dirs {
		if err := s.client.MkdirAll(d); err != nil {
			return fmt.Errorf("creating remote directory %s: %w", d, err)
		}
	}
	return nil
}

// Fetch copies a remote file to a local path, creating local parent
// directories as needed, and returns its contents.
func (s *SFTPClient) Fetch(ctx context.Context, remote, local string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.copy(ctx, remote, local, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SFTPClient) copy(ctx context.Context, remote, local string, tee io.Writer) (int64, error) {
	sf, err := s.client.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("opening remote file %s: %w", remote, err)
	}
	defer sf.Close()

	if err := fsutil.EnsurePath(local); err != nil {
		return 0, err
	}
	df, err := os.Create(local)
	if err != nil {
		return 0, err
	}

	n, err := fsutil.Copy(ctx, io.MultiWriter(df, tee), sf)
	cerr := df.Close()
	if err != nil {
		return n, err
	}
	log.Debug("fetched remote file", "host", s.Host, "remote", remote, "local", local, "bytes", n)
	return n, cerr
}
