package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for gatewayd.
const DefaultConfigDir = "/etc/gatewayd"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for gatewayd. It is persisted as a
// TOML file at DefaultConfigPath().
type Config struct {
	Portal PortalConfig `toml:"portal"`
	Device DeviceConfig `toml:"device"`
	STUN   STUNConfig   `toml:"stun"`
	WebRTC WebRTCConfig `toml:"webrtc"`
	NAT    NATConfig    `toml:"nat"`
	Log    LogConfig    `toml:"log"`
}

// PortalConfig identifies the control-plane portal this gateway joins and
// authenticates to.
type PortalConfig struct {
	// URL is the wss:// (or ws://, for local testing) URL of the portal's
	// control channel.
	URL string `toml:"url"`

	// GatewayID is this gateway's unique identifier, assigned by the portal
	// during registration.
	GatewayID string `toml:"gateway_id"`

	// Token authenticates this gateway to the portal (sent as a Bearer
	// token on the control channel's join request).
	Token string `toml:"token"`
}

// DeviceConfig identifies this gateway's own cryptographic identity and
// data-channel policy.
type DeviceConfig struct {
	// Name is a human-readable name for this gateway (e.g. "us-east-1a").
	Name string `toml:"name"`

	// PrivateKey is the WireGuard Curve25519 private key for this gateway.
	// It is stored as base64 and decoded via Key.UnmarshalText.
	PrivateKey Key `toml:"private_key"`

	// ForceRelay forces all WebRTC connections to use the TURN relay,
	// bypassing direct (host/srflx) connectivity. Useful for testing the
	// TURN relay path or when direct connectivity is unreliable.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// STUNConfig lists the default STUN servers used for ICE NAT traversal
// when the portal's connection request carries none of its own.
type STUNConfig struct {
	// Servers is a list of STUN server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string `toml:"servers"`
}

// WebRTCConfig controls data channel behavior.
type WebRTCConfig struct {
	// Ordered controls whether the data channel delivers messages in order.
	// Must be false for WireGuard (UDP-like behavior).
	Ordered bool `toml:"ordered"`

	// MaxRetransmits is the maximum number of retransmission attempts for the
	// data channel. Must be 0 for WireGuard (unreliable delivery).
	MaxRetransmits int `toml:"max_retransmits"`
}

// NATConfig controls masquerading of CIDR-resource egress traffic: packets
// the orchestrator rewrites to a LAN destination and writes to the device
// need their source address masqueraded to the gateway's own LAN address,
// or the resource's reply has nowhere to route back to.
type NATConfig struct {
	// Enabled turns on the masquerade rule. Requires CAP_NET_ADMIN.
	Enabled bool `toml:"enabled,omitempty"`

	// ClientSubnet is the overlay CIDR the portal assigns client addresses
	// from (e.g. "100.64.0.0/10"). Only traffic sourced from this subnet is
	// masqueraded.
	ClientSubnet string `toml:"client_subnet,omitempty"`

	// OutboundInterface is the local network interface CIDR-resource
	// traffic exits on (e.g. "eth0").
	OutboundInterface string `toml:"outbound_interface,omitempty"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string `toml:"level,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Portal portalConfigFile `toml:"portal"`
	Device devConfigFile    `toml:"device"`
	STUN   STUNConfig       `toml:"stun"`
	WebRTC WebRTCConfig     `toml:"webrtc"`
	NAT    NATConfig        `toml:"nat"`
	Log    LogConfig        `toml:"log"`
}

type portalConfigFile struct {
	URL       string `toml:"url"`
	GatewayID string `toml:"gateway_id"`
}

type devConfigFile struct {
	Name       string `toml:"name"`
	ForceRelay bool   `toml:"force_relay,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user's group).
type secretsFile struct {
	Portal portalSecretsFile `toml:"portal"`
	Device devSecretsFile    `toml:"device"`
}

type portalSecretsFile struct {
	Token string `toml:"token,omitempty"`
}

type devSecretsFile struct {
	PrivateKey Key `toml:"private_key"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Portal: portalConfigFile{
			URL:       cfg.Portal.URL,
			GatewayID: cfg.Portal.GatewayID,
		},
		Device: devConfigFile{
			Name:       cfg.Device.Name,
			ForceRelay: cfg.Device.ForceRelay,
		},
		STUN:   cfg.STUN,
		WebRTC: cfg.WebRTC,
		NAT:    cfg.NAT,
		Log:    cfg.Log,
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Portal: portalSecretsFile{
			Token: cfg.Portal.Token,
		},
		Device: devSecretsFile{
			PrivateKey: cfg.Device.PrivateKey,
		},
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Portal.Token = s.Portal.Token
	cfg.Device.PrivateKey = s.Device.PrivateKey
}

// DefaultConfig returns a Config populated with sensible defaults.
// Portal- and device-specific fields are left empty and must be filled in
// by the user or by `gatewayd genkey`.
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		WebRTC: WebRTCConfig{
			Ordered:        false,
			MaxRetransmits: 0,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the default path for the gatewayd config file.
// The config is stored at /etc/gatewayd/config.toml since the daemon runs as root.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the gatewayd secrets file.
// The secrets are stored at /etc/gatewayd/secrets.toml with restricted permissions.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
// It replaces the filename, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it returns
// an error wrapping fs.ErrNotExist. If secrets.toml does not exist, the secret
// fields are left at their zero values.
//
// For commands that explicitly do not need secrets (and should work without
// root), use LoadPublicConfig instead.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration). Use this for commands that do not need
// secrets and should work without root (e.g. "gatewayd version").
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
// Use this when only secret fields have changed (e.g. a rotated portal
// token) and re-writing config.toml is unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. When running as root via
// sudo, the SUDO_GID environment variable identifies the invoking user's
// primary group. The file is chowned to root:<sudo-gid>.
//
// This is a best-effort operation — errors are silently ignored because the
// file is already written successfully and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// PublicKey derives the WireGuard public key from the gateway's private key.
// Returns an error if the private key is not set.
func (c *Config) PublicKey() (Key, error) {
	if c.Device.PrivateKey.IsZero() {
		return Key{}, errors.New("device private key is not set")
	}
	return PublicKey(c.Device.PrivateKey), nil
}

// ParseTOML decodes a TOML config from a string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. This should be called from
// commands that run as root (e.g. "gatewayd run") to fix permissions from
// older versions.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0664)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0660)
		applyUserOwnership(secretsPath)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
