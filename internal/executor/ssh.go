package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHProvider runs step commands on a remote agent over SSH. One SSH
// client is shared per execution context; each command gets its own
// session. Connection settings come from the environment so private keys
// never appear in pipeline definitions.
type SSHProvider struct {
	hostname   string
	username   string
	privateKey []byte
}

func NewSSHProvider(hostname, username string, privateKey []byte) *SSHProvider {
	return &SSHProvider{
		hostname:   hostname,
		username:   username,
		privateKey: privateKey,
	}
}

func NewSSHProviderFromEnv() (*SSHProvider, error) {
	hostname := os.Getenv("STEPFLOW_SSH_HOST")
	username := os.Getenv("STEPFLOW_SSH_USER")
	keyPath := os.Getenv("STEPFLOW_SSH_KEY_PATH")
	if hostname == "" || username == "" || keyPath == "" {
		return nil, errors.New(
			"ssh context requires STEPFLOW_SSH_HOST, STEPFLOW_SSH_USER and STEPFLOW_SSH_KEY_PATH",
		)
	}
	privateKey, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return NewSSHProvider(hostname, username, privateKey), nil
}

func (p *SSHProvider) CreateContext(
	ctx context.Context,
	spec pipeline.ContextSpec,
) (ExecContext, error) {
	signer, err := ssh.ParsePrivateKey(p.privateKey)
	if err != nil {
		return nil, NewContextProvisionError(pipeline.ContextSSH, err)
	}
	cc := &ssh.ClientConfig{
		User:            p.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	hostname := p.hostname
	if !strings.Contains(hostname, ":") {
		hostname += ":22"
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return nil, NewContextProvisionError(pipeline.ContextSSH, err)
	}

	return &sshContext{client: client}, nil
}

func (p *SSHProvider) DestroyContext(ec ExecContext) error {
	return ec.Close()
}

type sshContext struct {
	client *ssh.Client
	mu     sync.Mutex
}

func (sc *sshContext) Run(
	ctx context.Context,
	command []string,
	output io.Writer,
) (int, error) {
	sess, err := sc.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("err creating new session: %+w", err)
	}
	defer sess.Close()
	sess.Stdout = output
	sess.Stderr = output

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(util.ShellQuoteJoin(command))
	}()

	select {
	case <-ctx.Done():
		if err := sess.Signal(ssh.SIGKILL); err != nil {
			return -1, errors.Join(ctx.Err(), err)
		}
		return -1, ctx.Err()
	case err := <-doneCh:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}

func (sc *sshContext) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.client == nil {
		return nil
	}
	err := sc.client.Close()
	sc.client = nil
	return err
}

// DownloadArtifacts copies a remote directory from the agent into a local
// directory over SFTP. Used by the service layer after a run finishes.
func (sc *sshContext) DownloadArtifacts(remotePath, localPath string) error {
	sftpClient, err := sftp.NewClient(sc.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return recursiveDownload(sftpClient, remotePath, localPath)
}

func recursiveDownload(sftpClient *sftp.Client, remotePath, localPath string) error {
	files, err := sftpClient.ReadDir(remotePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(localPath, os.ModePerm); err != nil {
		return err
	}

	for _, f := range files {
		remoteFilePath := filepath.Join(remotePath, f.Name())
		localFilePath := filepath.Join(localPath, f.Name())

		if f.IsDir() {
			if err := recursiveDownload(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		} else {
			if err := downloadFile(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		}
	}

	return nil
}

func downloadFile(sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return err
	}

	return nil
}
