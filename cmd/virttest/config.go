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

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alexandremahdhaoui/virttest/internal/util/filelock"
	"github.com/alexandremahdhaoui/virttest/internal/util/logging"
	"github.com/alexandremahdhaoui/virttest/internal/util/ssh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"
)

// EnvPrefix prefixes the environment variables overriding global flags,
// e.g. VIRTTEST_LOCK_FILE for --lock-file.
const EnvPrefix = "VIRTTEST"

const (
	flagConnect     = "connect"
	flagSudo        = "sudo"
	flagLogLevel    = "log-level"
	flagDevelopment = "development"
	flagLockFile    = "lock-file"
	flagBaseDir     = "base-dir"
	flagMetrics     = "metrics"
	flagParams      = "params"
	flagSSHHost     = "ssh-host"
	flagSSHUser     = "ssh-user"
	flagSSHKey      = "ssh-key"
	flagSSHPort     = "ssh-port"
)

// Config holds the global configuration of virttest.
type Config struct {
	// ConnectURI overrides the connection URI of the VM definition.
	ConnectURI string `json:"connect,omitempty"`

	// Sudo prepends "sudo -E" to every toolstack command.
	Sudo bool `json:"sudo"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"logLevel"`

	// Development enables development logging.
	Development bool `json:"development"`

	// LockFile serializes VM creation across processes.
	LockFile string `json:"lockFile"`

	// BaseDir holds serial console and test log files.
	BaseDir string `json:"baseDir"`

	// Metrics prints command metrics on exit.
	Metrics bool `json:"metrics"`

	// ParamsFile is the YAML VM definition.
	ParamsFile string `json:"params,omitempty"`

	// SSH holds the guest login used to shut guests down gracefully.
	SSH SSHConfig `json:"ssh"`
}

// SSHConfig describes the SSH login into guests. Graceful guest shutdown
// is enabled when a private key is set.
type SSHConfig struct {
	// Host overrides the guest address.
	Host string `json:"host,omitempty"`
	User string `json:"user"`
	// KeyPath is the path of the private key.
	KeyPath string `json:"keyPath,omitempty"`
	Port    string `json:"port"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LockFile: filelock.DefaultPath,
		BaseDir:  os.TempDir(),
		SSH: SSHConfig{
			User: "root",
			Port: ssh.DefaultPort,
		},
	}
}

// AddFlags registers the global flags on fs with their defaults.
func AddFlags(fs *pflag.FlagSet) {
	def := NewDefaultConfig()
	fs.String(flagConnect, def.ConnectURI, "libvirt connection URI, overriding the VM definition")
	fs.Bool(flagSudo, def.Sudo, "run toolstack commands with sudo")
	fs.String(flagLogLevel, def.LogLevel, "log level: debug, info, warn or error")
	fs.Bool(flagDevelopment, def.Development, "enable development logging")
	fs.String(flagLockFile, def.LockFile, "file lock serializing VM creation")
	fs.String(flagBaseDir, def.BaseDir, "directory for serial console and test log files")
	fs.Bool(flagMetrics, def.Metrics, "print command metrics in Prometheus text format on exit")
	fs.StringP(flagParams, "f", def.ParamsFile, "YAML file describing the VM")
	fs.String(flagSSHHost, def.SSH.Host, "guest address for graceful shutdown, defaults to the address virsh domifaddr reports for the first NIC")
	fs.String(flagSSHUser, def.SSH.User, "guest user for graceful shutdown")
	fs.String(flagSSHKey, def.SSH.KeyPath, "private key enabling graceful shutdown over SSH")
	fs.String(flagSSHPort, def.SSH.Port, "guest SSH port")
}

// BindConfig binds the flags of fs and the VIRTTEST_* environment variables
// to a new viper instance.
func BindConfig(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	return v, nil
}

// LoadConfig reads the configuration from v. Flags win over environment
// variables, which win over defaults.
func LoadConfig(v *viper.Viper) (*Config, error) {
	config := &Config{
		ConnectURI:  v.GetString(flagConnect),
		Sudo:        v.GetBool(flagSudo),
		LogLevel:    v.GetString(flagLogLevel),
		Development: v.GetBool(flagDevelopment),
		LockFile:    v.GetString(flagLockFile),
		BaseDir:     v.GetString(flagBaseDir),
		Metrics:     v.GetBool(flagMetrics),
		ParamsFile:  v.GetString(flagParams),
		SSH: SSHConfig{
			Host:    v.GetString(flagSSHHost),
			User:    v.GetString(flagSSHUser),
			KeyPath: v.GetString(flagSSHKey),
			Port:    v.GetString(flagSSHPort),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.LockFile == "" {
		errs = append(errs, errors.New("lockFile cannot be empty"))
	}

	if c.BaseDir == "" {
		errs = append(errs, errors.New("baseDir cannot be empty"))
	}

	if c.SSH.KeyPath != "" && c.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user cannot be empty when ssh.keyPath is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// LoggingOptions returns the logging options of the configuration.
func (c *Config) LoggingOptions() logging.Options {
	opts := logging.DefaultOptions()
	opts.Development = c.Development
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		opts.Level = level
	}
	return opts
}

// GuestLogin returns the SSH guest login, or false when graceful guest
// shutdown is disabled.
func (c *Config) GuestLogin() (ssh.GuestLogin, bool) {
	if c.SSH.KeyPath == "" {
		return ssh.GuestLogin{}, false
	}
	return ssh.GuestLogin{
		Host:           c.SSH.Host,
		User:           c.SSH.User,
		PrivateKeyPath: c.SSH.KeyPath,
		Port:           c.SSH.Port,
	}, true
}

// LoadParams reads the VM definition from the YAML file at path and applies
// the defaults. An empty path yields the defaults alone. The configured
// connection URI overrides the one of the definition.
func (c *Config) LoadParams() (virtinstall.Params, error) {
	var p virtinstall.Params

	if c.ParamsFile != "" {
		data, err := os.ReadFile(c.ParamsFile)
		if err != nil {
			return p, fmt.Errorf("reading VM definition %s: %w", c.ParamsFile, err)
		}
		if err := yaml.UnmarshalStrict(data, &p); err != nil {
			return p, fmt.Errorf("parsing VM definition %s: %w", c.ParamsFile, err)
		}
	}

	if err := p.SetDefaults(); err != nil {
		return p, fmt.Errorf("applying VM definition defaults: %w", err)
	}

	if c.ConnectURI != "" {
		p.ConnectURI = c.ConnectURI
	}

	return p, nil
}
