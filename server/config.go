/*
 * Copyright (c) 2024, Lightway Server Contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightway-server/lightway/common/errors"
)

const (
	// ModeUDP selects the datagram outside transport with a DTLS control
	// plane.
	ModeUDP = "udp"

	// ModeTCP selects the stream outside transport with a TLS control
	// plane.
	ModeTCP = "tcp"
)

const (
	defaultBindAddress       = "0.0.0.0:27690"
	defaultIPPool            = "10.125.0.0/16"
	defaultMTU               = 1350
	defaultAuthTimeout       = 30 * time.Second
	defaultIdleTimeout       = 5 * time.Minute
	defaultKeyUpdateInterval = 60 * time.Second
	defaultTickInterval      = 500 * time.Millisecond
	defaultShutdownGrace     = 5 * time.Second
)

// defaultRetransmitSchedule is the bypass data plane handshake retransmit
// backoff: five retransmits, then permanent fallback to the control path.
var defaultRetransmitSchedule = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Config specifies the configuration and behavior of the server. Config
// is loaded from a YAML file; each field except
// expresslane_retransmit_schedule_ms may be overridden by an environment
// variable named "LW_SERVER_" followed by the upper-cased field key.
type Config struct {

	// Mode selects the outside transport: "udp" or "tcp".
	Mode string `yaml:"mode"`

	// BindAddress is the listen socket ip:port.
	BindAddress string `yaml:"bind_address"`

	// ServerCert and ServerKey are paths to the PEM encoded TLS identity.
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`

	// TunName is the inside tun device name.
	TunName string `yaml:"tun_name"`

	// TunIP is the server's own inside address, excluded from the pool.
	TunIP string `yaml:"tun_ip"`

	// IPPool is the CIDR that inside addresses are allocated from.
	IPPool string `yaml:"ip_pool"`

	// DNSIP is the resolver address advertised to clients, excluded from
	// the pool.
	DNSIP string `yaml:"dns_ip"`

	// UserDB is the path to an htpasswd style password file with bcrypt
	// hashes. Empty disables password authentication.
	UserDB string `yaml:"user_db"`

	// TokenRSAPubKeyPEM is the path to an RSA public key used to verify
	// signed auth tokens. Empty disables token authentication.
	TokenRSAPubKeyPEM string `yaml:"token_rsa_pub_key_pem"`

	// MaxSessions caps live sessions. 0 means unlimited. Overflow is
	// refused before any handshake: with a reject packet on the datagram
	// transport, by closing the connection on the stream transport. No
	// admission-refused Disconnect frame is sent.
	MaxSessions int `yaml:"max_sessions"`

	// KeepaliveIntervalSeconds is the cadence of server keepalive probes
	// to idle clients. 0 disables probing.
	KeepaliveIntervalSeconds int `yaml:"keepalive_interval"`

	// KeepaliveTimeoutSeconds is how long a probe may go unanswered
	// before the session is terminated.
	KeepaliveTimeoutSeconds int `yaml:"keepalive_timeout"`

	// AuthTimeoutSeconds bounds the time from handshake completion to an
	// accepted auth frame. Default 30.
	AuthTimeoutSeconds int `yaml:"auth_timeout"`

	// IdleTimeoutSeconds terminates sessions with no traffic in either
	// direction. Default 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout"`

	// ProxyProtocol accepts a PROXY protocol header from trusted load
	// balancers on the stream transport.
	ProxyProtocol bool `yaml:"proxy_protocol"`

	// TrustedPeers lists CIDRs allowed to send PROXY protocol headers.
	TrustedPeers []string `yaml:"trusted_peers"`

	// EnablePQC selects a post-quantum key exchange on the TLS control
	// plane. Ignored, with a warning, on the datagram transport.
	EnablePQC bool `yaml:"enable_pqc"`

	// Cipher names the control plane symmetric cipher: "aes" (default)
	// or "chacha20". The datagram control plane refuses "chacha20". The
	// value is only validated; no TLS or DTLS configuration reads it, so
	// the stream transport uses whichever TLS 1.3 suite it negotiates.
	Cipher string `yaml:"cipher"`

	// Expresslane allows ("allow", the default) or forbids ("forbid")
	// negotiating the bypass data plane.
	Expresslane string `yaml:"expresslane"`

	// KeyUpdateIntervalSeconds is the data plane key rotation cadence.
	// Default 60.
	KeyUpdateIntervalSeconds int `yaml:"key_update_interval"`

	// QuarantineSeconds is the inside IP reuse delay after release.
	// Default 120.
	QuarantineSeconds int `yaml:"quarantine"`

	// ExpresslaneRetransmitScheduleMS overrides the data plane handshake
	// retransmit backoff, in milliseconds per attempt. The schedule
	// length fixes the retransmit count.
	ExpresslaneRetransmitScheduleMS []int `yaml:"expresslane_retransmit_schedule_ms"`

	// UDPBufferSize sets SO_RCVBUF/SO_SNDBUF on the outside socket.
	// 0 keeps the system default.
	UDPBufferSize int `yaml:"udp_buffer_size"`

	// MTU is the inside MTU advertised to clients. Default 1350.
	MTU int `yaml:"mtu"`

	// LogLevel is one of panic, fatal, error, warning, info, debug,
	// trace. LogFormat is "json" (default) or "text".
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddress exposes Prometheus metrics over HTTP when set.
	MetricsAddress string `yaml:"metrics_addr"`
}

// LoadConfig parses a YAML config, applies environment overrides, fills
// defaults, and validates.
func LoadConfig(configYAML []byte) (*Config, error) {

	config := &Config{}
	if err := yaml.Unmarshal(configYAML, config); err != nil {
		return nil, errors.Trace(err)
	}

	config.applyEnvironment()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// LoadConfigFile is LoadConfig over a file path. An empty path yields a
// default configuration subject to environment overrides.
func LoadConfigFile(path string) (*Config, error) {
	var configYAML []byte
	if path != "" {
		var err error
		configYAML, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return LoadConfig(configYAML)
}

func (config *Config) applyEnvironment() {

	envString := func(key string, field *string) {
		if value, ok := os.LookupEnv("LW_SERVER_" + key); ok {
			*field = value
		}
	}
	envInt := func(key string, field *int) {
		if value, ok := os.LookupEnv("LW_SERVER_" + key); ok {
			if n, err := strconv.Atoi(value); err == nil {
				*field = n
			}
		}
	}
	envBool := func(key string, field *bool) {
		if value, ok := os.LookupEnv("LW_SERVER_" + key); ok {
			if b, err := strconv.ParseBool(value); err == nil {
				*field = b
			}
		}
	}

	envString("MODE", &config.Mode)
	envString("BIND_ADDRESS", &config.BindAddress)
	envString("SERVER_CERT", &config.ServerCert)
	envString("SERVER_KEY", &config.ServerKey)
	envString("TUN_NAME", &config.TunName)
	envString("TUN_IP", &config.TunIP)
	envString("IP_POOL", &config.IPPool)
	envString("DNS_IP", &config.DNSIP)
	envString("USER_DB", &config.UserDB)
	envString("TOKEN_RSA_PUB_KEY_PEM", &config.TokenRSAPubKeyPEM)
	envInt("MAX_SESSIONS", &config.MaxSessions)
	envInt("KEEPALIVE_INTERVAL", &config.KeepaliveIntervalSeconds)
	envInt("KEEPALIVE_TIMEOUT", &config.KeepaliveTimeoutSeconds)
	envInt("AUTH_TIMEOUT", &config.AuthTimeoutSeconds)
	envInt("IDLE_TIMEOUT", &config.IdleTimeoutSeconds)
	envBool("PROXY_PROTOCOL", &config.ProxyProtocol)
	envBool("ENABLE_PQC", &config.EnablePQC)
	envString("CIPHER", &config.Cipher)
	envString("EXPRESSLANE", &config.Expresslane)
	envInt("KEY_UPDATE_INTERVAL", &config.KeyUpdateIntervalSeconds)
	envInt("QUARANTINE", &config.QuarantineSeconds)
	envInt("UDP_BUFFER_SIZE", &config.UDPBufferSize)
	envInt("MTU", &config.MTU)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_FORMAT", &config.LogFormat)
	envString("METRICS_ADDR", &config.MetricsAddress)

	if value, ok := os.LookupEnv("LW_SERVER_TRUSTED_PEERS"); ok {
		config.TrustedPeers = strings.Split(value, ",")
	}
}

func (config *Config) applyDefaults() {
	if config.Mode == "" {
		config.Mode = ModeUDP
	}
	if config.BindAddress == "" {
		config.BindAddress = defaultBindAddress
	}
	if config.IPPool == "" {
		config.IPPool = defaultIPPool
	}
	if config.TunName == "" {
		config.TunName = "lightway"
	}
	if config.AuthTimeoutSeconds == 0 {
		config.AuthTimeoutSeconds = int(defaultAuthTimeout / time.Second)
	}
	if config.IdleTimeoutSeconds == 0 {
		config.IdleTimeoutSeconds = int(defaultIdleTimeout / time.Second)
	}
	if config.KeyUpdateIntervalSeconds == 0 {
		config.KeyUpdateIntervalSeconds = int(defaultKeyUpdateInterval / time.Second)
	}
	if config.QuarantineSeconds == 0 {
		config.QuarantineSeconds = 120
	}
	if config.MTU == 0 {
		config.MTU = defaultMTU
	}
	if config.Cipher == "" {
		config.Cipher = "aes"
	}
	if config.Expresslane == "" {
		config.Expresslane = "allow"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// Validate checks for configuration errors.
func (config *Config) Validate() error {

	if config.Mode != ModeUDP && config.Mode != ModeTCP {
		return errors.Tracef("invalid mode: %s", config.Mode)
	}
	if _, err := netip.ParseAddrPort(config.BindAddress); err != nil {
		return errors.TraceMsg(err, "invalid bind_address")
	}
	if config.ServerCert == "" || config.ServerKey == "" {
		return errors.TraceNew("server_cert and server_key are required")
	}
	if _, err := netip.ParsePrefix(config.IPPool); err != nil {
		return errors.TraceMsg(err, "invalid ip_pool")
	}
	if config.TunIP != "" {
		if _, err := netip.ParseAddr(config.TunIP); err != nil {
			return errors.TraceMsg(err, "invalid tun_ip")
		}
	}
	if config.DNSIP != "" {
		if _, err := netip.ParseAddr(config.DNSIP); err != nil {
			return errors.TraceMsg(err, "invalid dns_ip")
		}
	}
	if config.UserDB == "" && config.TokenRSAPubKeyPEM == "" {
		return errors.TraceNew("at least one of user_db and token_rsa_pub_key_pem is required")
	}
	if config.MaxSessions < 0 {
		return errors.TraceNew("max_sessions must be non-negative")
	}
	if config.KeepaliveIntervalSeconds > 0 && config.KeepaliveTimeoutSeconds <= 0 {
		return errors.TraceNew("keepalive_timeout is required with keepalive_interval")
	}
	switch config.Cipher {
	case "aes":
	case "chacha20":
		if config.Mode == ModeUDP {
			return errors.TraceNew("cipher chacha20 is not available on the udp control plane")
		}
	default:
		return errors.Tracef("invalid cipher: %s", config.Cipher)
	}
	if config.Expresslane != "allow" && config.Expresslane != "forbid" {
		return errors.Tracef("invalid expresslane: %s", config.Expresslane)
	}
	for _, cidr := range config.TrustedPeers {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return errors.TraceMsg(err, "invalid trusted_peers entry")
		}
	}
	for _, ms := range config.ExpresslaneRetransmitScheduleMS {
		if ms <= 0 {
			return errors.TraceNew("expresslane_retransmit_schedule_ms entries must be positive")
		}
	}
	return nil
}

func (config *Config) authTimeout() time.Duration {
	return time.Duration(config.AuthTimeoutSeconds) * time.Second
}

func (config *Config) idleTimeout() time.Duration {
	return time.Duration(config.IdleTimeoutSeconds) * time.Second
}

func (config *Config) keepaliveInterval() time.Duration {
	return time.Duration(config.KeepaliveIntervalSeconds) * time.Second
}

func (config *Config) keepaliveTimeout() time.Duration {
	return time.Duration(config.KeepaliveTimeoutSeconds) * time.Second
}

func (config *Config) keyUpdateInterval() time.Duration {
	return time.Duration(config.KeyUpdateIntervalSeconds) * time.Second
}

func (config *Config) quarantineDelay() time.Duration {
	return time.Duration(config.QuarantineSeconds) * time.Second
}

func (config *Config) expresslaneAllowed() bool {
	return config.Expresslane == "allow"
}

func (config *Config) retransmitSchedule() []time.Duration {
	if len(config.ExpresslaneRetransmitScheduleMS) == 0 {
		return defaultRetransmitSchedule
	}
	schedule := make([]time.Duration, len(config.ExpresslaneRetransmitScheduleMS))
	for i, ms := range config.ExpresslaneRetransmitScheduleMS {
		schedule[i] = time.Duration(ms) * time.Millisecond
	}
	return schedule
}
