// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ssh is a minimal SSH client used to check that a provisioned guest accepts key based
// logins and to run commands on it.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"mvdan.cc/sh/v3/syntax"
)

var (
	ErrPrivateKey = errors.New("unable to load private key")
	ErrConnect    = errors.New("unable to connect")
	ErrRemote     = errors.New("remote command failed")
)

const defaultTimeout = 10 * time.Second

// Client connects to Host:Port as User with a private key. Host keys are not verified: guests are
// freshly provisioned and their keys are unknown.
type Client struct {
	Host string
	User string
	Port string

	signer  ssh.Signer
	timeout time.Duration
}

// NewClient reads and parses the private key at privateKeyPath.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrivateKey, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrivateKey, err)
	}
	return NewClientFromSigner(host, user, signer, port), nil
}

// NewClientFromSigner returns a Client authenticating with signer.
func NewClientFromSigner(host, user string, signer ssh.Signer, port string) *Client {
	if port == "" {
		port = "22"
	}
	return &Client{
		Host:    host,
		User:    user,
		Port:    port,
		signer:  signer,
		timeout: defaultTimeout,
	}
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.timeout,
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.Addr(), err)
	}

	// the handshake has no context of its own
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.Addr(), config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.Addr(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Ping succeeds when the server accepts a login.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	runFuncAndLogErr(client.Close)
	return nil
}

// Run runs cmd on the server. Every argument is quoted.
func (c *Client) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	words := make([]string, 0, len(cmd))
	for _, arg := range cmd {
		q, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", "", fmt.Errorf("%w: cannot quote %q: %v", ErrRemote, arg, err)
		}
		words = append(words, q)
	}

	client, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(client.Close)

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("%w: creating session: %v", ErrRemote, err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(strings.Join(words, " ")) }()

	select {
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("%w: %v", ErrRemote, err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
