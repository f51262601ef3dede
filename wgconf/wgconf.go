// Package wgconf renders renewal results into a wg-quick configuration and
// a shell-assignable metadata file, and writes them to disk.
package wgconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/joho/godotenv"
)

const (
	GatewayPort = 1337
	Keepalive   = 25
	AllowedIPs  = "0.0.0.0/0"
)

// Connection is the result of one successful renewal.
type Connection struct {
	LocalAddress      string
	DNSServers        []string
	GatewayPublicKey  string
	GatewayIP         string
	GatewayCommonName string
	PrivateKey        string
	AuthToken         string
}

func (c *Connection) Validate() error {
	var errs []error
	if c.LocalAddress == "" {
		errs = append(errs, errors.New("missing local address"))
	}
	if len(c.DNSServers) != 2 {
		errs = append(errs, fmt.Errorf("want 2 dns servers, got %d", len(c.DNSServers)))
	}
	if c.GatewayPublicKey == "" {
		errs = append(errs, errors.New("missing gateway public key"))
	}
	if c.GatewayIP == "" {
		errs = append(errs, errors.New("missing gateway ip"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("missing private key"))
	}
	return errors.Join(errs...)
}

// RenderTunnel produces the wg-quick config for c.
func RenderTunnel(c *Connection) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", c.LocalAddress)
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "DNS = %s\n", strings.Join(c.DNSServers, ","))
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.GatewayPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", c.GatewayIP, GatewayPort)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", AllowedIPs)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", Keepalive)
	return b.String()
}

// RenderEnv produces the port-forwarding metadata for c.
func RenderEnv(c *Connection) (string, error) {
	s, err := godotenv.Marshal(map[string]string{
		"PF_GATEWAY":  c.GatewayIP,
		"PF_HOSTNAME": c.GatewayCommonName,
		"PIA_TOKEN":   c.AuthToken,
	})
	if err != nil {
		return "", err
	}
	return s + "\n", nil
}

// FileSink writes wg<slot>.conf and wg<slot>.env into Dir.
type FileSink struct {
	Dir string
}

func (s FileSink) Paths(slot int) (conf, env string) {
	base := filepath.Join(s.Dir, fmt.Sprintf("wg%d", slot))
	return base + ".conf", base + ".env"
}

// Write replaces both files for slot. Nothing is replaced unless both
// documents were rendered and staged. If the env file cannot be replaced
// after the tunnel file was, the previous tunnel file is restored so the
// pair never mixes two renewals.
func (s FileSink) Write(slot int, c *Connection) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid connection: %w", err)
	}
	env, err := RenderEnv(c)
	if err != nil {
		return fmt.Errorf("render env: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir output: %w", err)
	}

	confPath, envPath := s.Paths(slot)
	confFile, err := s.stage(confPath, RenderTunnel(c))
	if err != nil {
		return fmt.Errorf("write wireguard config: %w", err)
	}
	defer confFile.Cleanup()
	envFile, err := s.stage(envPath, env)
	if err != nil {
		return fmt.Errorf("write connection env: %w", err)
	}
	defer envFile.Cleanup()

	previous, err := os.ReadFile(confPath)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read wireguard config: %w", err)
	}

	if err := confFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace wireguard config: %w", err)
	}
	if err := envFile.CloseAtomicallyReplace(); err != nil {
		err = fmt.Errorf("replace connection env: %w", err)
		if rerr := s.restore(confPath, previous, hadPrevious); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore wireguard config: %w", rerr))
		}
		return err
	}
	return nil
}

// stage writes content to a pending file next to path.
func (s FileSink) stage(path, content string) (*renameio.PendingFile, error) {
	f, err := renameio.NewPendingFile(path, renameio.WithTempDir(s.Dir), renameio.WithPermissions(0o600))
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Cleanup()
		return nil, err
	}
	return f, nil
}

func (s FileSink) restore(path string, previous []byte, hadPrevious bool) error {
	if !hadPrevious {
		return os.Remove(path)
	}
	return renameio.WriteFile(path, previous, 0o600, renameio.WithTempDir(s.Dir))
}
