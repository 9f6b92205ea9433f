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

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort = "22"

	dialTimeout = 10 * time.Second
)

var (
	ErrReadPrivateKey  = errors.New("unable to read private key")
	ErrParsePrivateKey = errors.New("unable to parse private key")
	ErrConnect         = errors.New("unable to connect to guest")
	ErrRemoteCommand   = errors.New("remote command failed")
)

// Client runs shell commands on a guest over SSH with public key
// authentication.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", privateKeyPath), ErrReadPrivateKey)
	}

	if port == "" {
		port = DefaultPort
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, errors.Join(err, ErrParsePrivateKey)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// test guests are recreated with fresh host keys
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}

// Run runs command in a shell on the guest and returns its output. The
// session is closed when ctx is done.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, err error) {
	config, err := c.config()
	if err != nil {
		return "", "", err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", "", errors.Join(err, fmt.Errorf("addr=%s", addr), ErrConnect)
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", errors.Join(err, fmt.Errorf("addr=%s", addr), ErrConnect)
	}
	defer runFuncAndLogErr(session.Close)

	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(command); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, fmt.Errorf("command=%q", command), ErrRemoteCommand)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
