package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// SFTPConfig holds SSH credentials used for sftp:// locations. The host,
// port and user come from each location; User here is the default.
type SFTPConfig struct {
	User string `mapstructure:"user" json:"user" yaml:"user"`

	AuthMethod AuthMethod `mapstructure:"auth_method" json:"auth_method" yaml:"auth_method" validate:"omitempty,oneof=password key"`

	Password string `mapstructure:"password" json:"-" yaml:"-"`

	PrivateKeyPath string `mapstructure:"private_key_path" json:"private_key_path" yaml:"private_key_path"`

	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase" json:"-" yaml:"-"`

	// KnownHostsPath is the path to the known_hosts file. Host keys are not
	// verified when it is empty or StrictHostKeyChecking is false.
	KnownHostsPath string `mapstructure:"known_hosts_path" json:"known_hosts_path" yaml:"known_hosts_path"`

	StrictHostKeyChecking bool `mapstructure:"strict_host_key_checking" json:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" json:"connection_timeout" yaml:"connection_timeout"`
}

// Validate checks if the configuration is usable.
func (c *SFTPConfig) Validate() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must not be negative")
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig for user.
func (c *SFTPConfig) BuildSSHClientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// many servers only prompt through keyboard-interactive
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	timeout := c.ConnectionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// sftpTarget is a parsed sftp:// location.
type sftpTarget struct {
	user    string
	address string
	path    string
}

func parseSFTPLocation(location, defaultUser string) (sftpTarget, error) {
	u, err := url.Parse(location)
	if err != nil {
		return sftpTarget{}, fmt.Errorf("invalid sftp location %q: %w", location, err)
	}
	if u.Hostname() == "" {
		return sftpTarget{}, fmt.Errorf("sftp location %q has no host", location)
	}
	if u.Path == "" || u.Path == "/" {
		return sftpTarget{}, fmt.Errorf("sftp location %q has no path", location)
	}

	port := 22
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return sftpTarget{}, fmt.Errorf("invalid port in %q", location)
		}
	}

	user := defaultUser
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	if user == "" {
		return sftpTarget{}, fmt.Errorf("sftp location %q has no user", location)
	}

	return sftpTarget{
		user:    user,
		address: net.JoinHostPort(u.Hostname(), strconv.Itoa(port)),
		path:    u.Path,
	}, nil
}

// dialFunc opens an SFTP session. The closer releases the session and its
// underlying connection.
type dialFunc func(ctx context.Context, user, address string) (*sftp.Client, func() error, error)

// SFTPFetcher reads files over SFTP. Sessions are kept per user and address
// and re-established after a failure.
type SFTPFetcher struct {
	dial     dialFunc
	maxBytes int64
	logger   zerolog.Logger
	user     string

	mu       sync.Mutex
	sessions map[string]*sftpSession
}

type sftpSession struct {
	client *sftp.Client
	close  func() error
}

// NewSFTPFetcher creates an SFTP fetcher from cfg.
func NewSFTPFetcher(cfg SFTPConfig, logger zerolog.Logger) (*SFTPFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp config: %w", err)
	}
	return newSFTPFetcher(cfg.User, sshDialer(cfg), logger), nil
}

func newSFTPFetcher(user string, dial dialFunc, logger zerolog.Logger) *SFTPFetcher {
	return &SFTPFetcher{
		dial:     dial,
		maxBytes: DefaultMaxBytes,
		logger:   logger.With().Str("component", "sftp").Logger(),
		user:     user,
		sessions: make(map[string]*sftpSession),
	}
}

func sshDialer(cfg SFTPConfig) dialFunc {
	return func(ctx context.Context, user, address string) (*sftp.Client, func() error, error) {
		clientConfig, err := cfg.BuildSSHClientConfig(user)
		if err != nil {
			return nil, nil, err
		}

		var d net.Dialer
		d.Timeout = clientConfig.Timeout
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("ssh handshake with %s failed: %w", address, err)
		}
		sshClient := ssh.NewClient(c, chans, reqs)

		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
		}
		return sftpClient, func() error {
			_ = sftpClient.Close()
			return sshClient.Close()
		}, nil
	}
}

// Fetch implements engine.Fetcher.
func (f *SFTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	target, err := parseSFTPLocation(location, f.user)
	if err != nil {
		return nil, err
	}

	session, err := f.session(ctx, target)
	if err != nil {
		return nil, err
	}

	body, err := f.read(ctx, session, target.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// the session may be broken; the next fetch reconnects
			f.drop(target, session)
		}
		return nil, err
	}
	return body, nil
}

// Store implements engine.Storer by rewriting the remote file.
func (f *SFTPFetcher) Store(ctx context.Context, location string, body []byte) error {
	target, err := parseSFTPLocation(location, f.user)
	if err != nil {
		return err
	}

	session, err := f.session(ctx, target)
	if err != nil {
		return err
	}

	if err := write(session, target.path, body); err != nil {
		f.drop(target, session)
		return err
	}
	return nil
}

func write(session *sftpSession, path string, body []byte) error {
	file, err := session.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	return file.Close()
}

func (f *SFTPFetcher) read(ctx context.Context, session *sftpSession, path string) ([]byte, error) {
	file, err := session.client.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer file.Close()
	return readAll(ctx, file, f.maxBytes)
}

func sessionKey(t sftpTarget) string {
	return t.user + "@" + t.address
}

func (f *SFTPFetcher) session(ctx context.Context, t sftpTarget) (*sftpSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := sessionKey(t)
	if s, ok := f.sessions[key]; ok {
		return s, nil
	}

	f.logger.Debug().Str("address", t.address).Str("user", t.user).Msg("opening sftp session")
	client, closer, err := f.dial(ctx, t.user, t.address)
	if err != nil {
		return nil, err
	}
	s := &sftpSession{client: client, close: closer}
	f.sessions[key] = s
	return s, nil
}

func (f *SFTPFetcher) drop(t sftpTarget, s *sftpSession) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := sessionKey(t)
	if f.sessions[key] == s {
		delete(f.sessions, key)
		_ = s.close()
	}
}

// Close closes every open session.
func (f *SFTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for key, s := range f.sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.sessions, key)
	}
	return firstErr
}
