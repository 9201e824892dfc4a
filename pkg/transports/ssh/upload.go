package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload writes content to remotePath over SFTP, creating parent directories
// as needed.
func (c *Client) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return &TransportError{Op: "upload", Err: errors.New("not connected")}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open sftp session: %w", err), Temporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory %s: %w", dir, err)}
		}
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file %s: %w", remotePath, err)}
	}

	if _, err := file.Write(content); err != nil {
		file.Close()
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write remote file %s: %w", remotePath, err), Temporary: true}
	}
	if err := file.Close(); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to flush remote file %s: %w", remotePath, err), Temporary: true}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)}
	}

	log.Debug().Str("server", c.name).Str("path", remotePath).Int("bytes", len(content)).Msg("uploaded file")
	return nil
}
