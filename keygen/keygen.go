// Package keygen produces WireGuard key pairs for each renewal.
package keygen

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	KindNative = "native"
	KindWgTool = "wg"
)

// KeyPair holds base64 encoded Curve25519 keys.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

type Generator interface {
	Generate() (KeyPair, error)
}

// New returns the generator for kind. An empty kind selects the native one.
func New(kind string) (Generator, error) {
	switch kind {
	case "", KindNative:
		return Native{}, nil
	case KindWgTool:
		return WgTool{}, nil
	default:
		return nil, fmt.Errorf("unknown keygen %q (want %s or %s)", kind, KindNative, KindWgTool)
	}
}

// Native generates keys in-process.
type Native struct{}

func (Native) Generate() (KeyPair, error) {
	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{
		PrivateKey: privateKey.String(),
		PublicKey:  privateKey.PublicKey().String(),
	}, nil
}

// WgTool shells out to `wg genkey` and `wg pubkey`.
type WgTool struct {
	// Path to the wg binary; "wg" from PATH when empty.
	Path string
}

func (g WgTool) Generate() (KeyPair, error) {
	bin := g.Path
	if bin == "" {
		bin = "wg"
	}

	priv, err := run(bin, nil, "genkey")
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := run(bin, []byte(priv+"\n"), "pubkey")
	if err != nil {
		return KeyPair{}, err
	}

	// Reject garbled tool output.
	if _, err := wgtypes.ParseKey(pub); err != nil {
		return KeyPair{}, fmt.Errorf("wg pubkey output: %w", err)
	}
	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func run(name string, stdin []byte, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %v failed: %w output=%s", name, args, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
