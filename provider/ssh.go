package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ensure interface is implemented
var _ Relay = (*SSHRelay)(nil)

const defaultSSHPort = 22

// SSHConfig describes how to reach the relay host.
type SSHConfig struct {
	// Host is the address or ssh_config alias of the relay.
	Host string
	User string
	Port int

	// IdentityFile is a private key used for public key auth. When empty,
	// keys from a running ssh-agent (SSH_AUTH_SOCK) are used.
	IdentityFile string

	// KnownHosts is the known_hosts file used to verify the relay's host key.
	KnownHosts string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// ConfigFile is an OpenSSH client config consulted for HostName, User,
	// Port and IdentityFile when those are not set explicitly.
	ConfigFile string

	DialTimeout time.Duration
}

// ResolveSSHHost fills unset fields of cfg from its ConfigFile.
func ResolveSSHHost(cfg SSHConfig) (SSHConfig, error) {
	if cfg.ConfigFile != "" {
		f, err := os.Open(expandHome(cfg.ConfigFile))
		if err != nil {
			return cfg, fmt.Errorf("failed to open ssh config: %w", err)
		}
		defer f.Close()

		decoded, err := ssh_config.Decode(f)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse ssh config: %w", err)
		}

		alias := cfg.Host
		if v, _ := decoded.Get(alias, "HostName"); v != "" {
			cfg.Host = v
		}
		if cfg.User == "" {
			cfg.User, _ = decoded.Get(alias, "User")
		}
		if cfg.Port == 0 {
			if v, _ := decoded.Get(alias, "Port"); v != "" {
				port, err := strconv.Atoi(v)
				if err != nil {
					return cfg, fmt.Errorf("invalid port %q for %s: %w", v, alias, err)
				}
				cfg.Port = port
			}
		}
		if cfg.IdentityFile == "" {
			cfg.IdentityFile, _ = decoded.Get(alias, "IdentityFile")
		}
	}

	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.KnownHosts == "" {
		cfg.KnownHosts = "~/.ssh/known_hosts"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return cfg, nil
}

// SSHRelay runs commands over an SSH session and moves files over SFTP.
type SSHRelay struct {
	host   string
	client *ssh.Client
	sftp   *sftp.Client
}

// DialSSHRelay connects to the relay host described by cfg.
func DialSSHRelay(ctx context.Context, cfg SSHConfig) (*SSHRelay, error) {
	cfg, err := ResolveSSHHost(cfg)
	if err != nil {
		return nil, err
	}

	auth, agentConn, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	if agentConn != nil {
		// The agent only signs during the handshake below.
		defer agentConn.Close()
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !cfg.InsecureIgnoreHostKey {
		hostKeyCallback, err = knownhosts.New(expandHome(cfg.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start sftp on %s: %w", addr, err)
	}

	return &SSHRelay{
		host:   cfg.User + "@" + cfg.Host,
		client: client,
		sftp:   sftpClient,
	}, nil
}

// authMethods returns the key based auth for cfg. When keys come from
// ssh-agent, the returned conn is the agent socket and the caller closes it.
func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, net.Conn, error) {
	if cfg.IdentityFile != "" {
		key, err := os.ReadFile(expandHome(cfg.IdentityFile))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, errors.New("no identity file configured and SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reach ssh-agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn, nil
}

// Host returns user@host of the relay.
func (r *SSHRelay) Host() string { return r.host }

// Run executes name with args on the relay host. Each argument is quoted for
// the remote login shell.
func (r *SSHRelay) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session on %s: %w", r.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdLine := ShellJoin(name, args...)
	done := make(chan error, 1)
	go func() { done <- session.Run(cmdLine) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		runErr = ctx.Err()
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
	} else {
		res.ExitCode = -1
	}
	return res, &CommandError{
		Command:  r.host + ": " + cmdLine,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      runErr,
	}
}

// BulkCopy uploads the contents of localDir into remoteDir over SFTP.
func (r *SSHRelay) BulkCopy(ctx context.Context, localDir, remoteDir string) error {
	if err := r.sftp.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", remoteDir, r.host, err)
	}
	return filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := r.sftp.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create %s on %s: %w", target, r.host, err)
			}
			return nil
		}
		return r.upload(p, target)
	})
}

func (r *SSHRelay) upload(local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := r.sftp.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", remote, r.host, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to upload %s to %s: %w", local, r.host, err)
	}
	return dst.Close()
}

// RemoveContents deletes everything inside dir on the relay host.
func (r *SSHRelay) RemoveContents(ctx context.Context, dir string) error {
	entries, err := r.sftp.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s on %s: %w", dir, r.host, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.removeAll(path.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s on %s: %w", entry.Name(), r.host, err)
		}
	}
	return nil
}

func (r *SSHRelay) removeAll(p string) error {
	info, err := r.sftp.Lstat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return r.sftp.Remove(p)
	}
	children, err := r.sftp.ReadDir(p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.removeAll(path.Join(p, child.Name())); err != nil {
			return err
		}
	}
	return r.sftp.RemoveDirectory(p)
}

// Close ends the SFTP and SSH sessions.
func (r *SSHRelay) Close() error {
	sftpErr := r.sftp.Close()
	if err := r.client.Close(); err != nil {
		return err
	}
	return sftpErr
}

// ShellJoin quotes name and args for a POSIX shell and joins them with spaces.
func ShellJoin(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.ContainsRune("-_./=:,@%+", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
