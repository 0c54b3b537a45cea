package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

const (
	defaultPort    = 22
	defaultTimeout = 30 * time.Second
	defaultBackoff = 5 * time.Second
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Target is the VM to connect to, as published in the infrastructure outputs.
type Target struct {
	Address    string
	Port       int
	User       string
	PrivateKey []byte
}

// Job is the one command to run. When Script is set the local file is
// uploaded first and executed with sh instead of Command.
type Job struct {
	Command string
	Script  string
}

// CommandResult is what came back from the VM.
type CommandResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	Command  string
	ExitCode int
	HostKey  string
	Duration time.Duration
}

// Executor runs a single command per call over a fresh SSH connection.
type Executor struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Dialer  Dialer
}

// Run executes job on target. It never fails: every problem is reported as
// Success=false with the error text appended to Stderr.
func (e *Executor) Run(ctx context.Context, target Target, job Job) (res CommandResult) {
	start := time.Now()
	res = CommandResult{Command: job.Command, ExitCode: -1}
	defer func() { res.Duration = time.Since(start) }()

	cli, hostKey, err := e.connect(ctx, target)
	res.HostKey = hostKey
	if err != nil {
		return failed(res, err)
	}
	defer cli.Close()

	if job.Script != "" {
		remote := remoteScriptPath(job.Script)
		if err := PushFile(ctx, cli, job.Script, remote); err != nil {
			return failed(res, fmt.Errorf("upload script: %w", err))
		}
		res.Command = "sh " + shellQuote(remote)
	}

	session, err := cli.NewSession()
	if err != nil {
		return failed(res, fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(res.Command) }()
	select {
	case <-ctx.Done():
		_ = cli.Close()
		<-done
		err = ctx.Err()
	case err = <-done:
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *xssh.ExitError
	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return failed(res, fmt.Errorf("run command: %w", err))
	}
	log.Debug().
		Str("addr", target.Address).
		Str("command", res.Command).
		Int("exit_code", res.ExitCode).
		Msg("ssh command finished")
	return res
}

func failed(res CommandResult, err error) CommandResult {
	res.Success = false
	if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
		res.Stderr += "\n"
	}
	res.Stderr += err.Error()
	log.Debug().Err(err).Str("command", res.Command).Msg("ssh command failed")
	return res
}

func (e *Executor) makeConfig(target Target, hostKey *string) (*xssh.ClientConfig, error) {
	if target.Address == "" {
		return nil, errors.New("ssh: address required")
	}
	if target.User == "" {
		return nil, errors.New("ssh: user required")
	}
	signer, err := ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, err
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &xssh.ClientConfig{
		User: target.User,
		Auth: []xssh.AuthMethod{xssh.PublicKeys(signer)},
		// Throwaway VMs have no known host key; keep the fingerprint for the report.
		HostKeyCallback: func(_ string, _ net.Addr, key xssh.PublicKey) error {
			*hostKey = xssh.FingerprintSHA256(key)
			return nil
		},
		Timeout: timeout,
	}, nil
}

// connect dials target with retries and basic linear backoff.
func (e *Executor) connect(ctx context.Context, target Target) (*xssh.Client, string, error) {
	var hostKey string
	cfg, err := e.makeConfig(target, &hostKey)
	if err != nil {
		return nil, "", err
	}
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))
	retries := e.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := e.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	dialer := e.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Timeout}
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, hostKey, err
		}
		cli, err := dial(ctx, dialer, addr, cfg)
		if err == nil {
			return cli, hostKey, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, hostKey, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, hostKey, fmt.Errorf("ssh dial %s: %w", addr, lastErr)
}

func dial(ctx context.Context, d Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(c, chans, reqs), nil
}

// remoteScriptPath names the upload target after the local file. The local
// path uses OS separators, the remote one is always slash separated.
func remoteScriptPath(local string) string {
	return path.Join("/tmp", "fedprobe-"+filepath.Base(local))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
