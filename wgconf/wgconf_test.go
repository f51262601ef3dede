package wgconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnection() *Connection {
	return &Connection{
		LocalAddress:      "10.13.14.15",
		DNSServers:        []string{"10.0.0.242", "10.0.0.243"},
		GatewayPublicKey:  "c2VydmVyLWtleQ==",
		GatewayIP:         "5.6.7.8",
		GatewayCommonName: "gw.example",
		PrivateKey:        "cHJpdmF0ZS1rZXk=",
		AuthToken:         "tok123",
	}
}

func TestRenderTunnel(t *testing.T) {
	want := `[Interface]
Address = 10.13.14.15
PrivateKey = cHJpdmF0ZS1rZXk=
DNS = 10.0.0.242,10.0.0.243

[Peer]
PublicKey = c2VydmVyLWtleQ==
Endpoint = 5.6.7.8:1337
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`
	assert.Equal(t, want, RenderTunnel(testConnection()))
}

func TestRenderEnv(t *testing.T) {
	s, err := RenderEnv(testConnection())
	require.NoError(t, err)
	assert.Equal(t, "PF_GATEWAY=\"5.6.7.8\"\nPF_HOSTNAME=\"gw.example\"\nPIA_TOKEN=\"tok123\"\n", s)
}

func TestConnection_Validate(t *testing.T) {
	t.Run("accepts a complete connection", func(t *testing.T) {
		assert.NoError(t, testConnection().Validate())
	})

	t.Run("rejects anything but two dns servers", func(t *testing.T) {
		c := testConnection()
		c.DNSServers = []string{"10.0.0.242"}
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dns")
	})
}

func TestFileSink_Write(t *testing.T) {
	t.Run("writes both files with restricted permissions", func(t *testing.T) {
		sink := FileSink{Dir: filepath.Join(t.TempDir(), "out")}
		require.NoError(t, sink.Write(2, testConnection()))

		conf, env := sink.Paths(2)
		assert.Equal(t, "wg2.conf", filepath.Base(conf))
		assert.Equal(t, "wg2.env", filepath.Base(env))

		b, err := os.ReadFile(conf)
		require.NoError(t, err)
		assert.Equal(t, RenderTunnel(testConnection()), string(b))

		vars, err := godotenv.Read(env)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"PF_GATEWAY":  "5.6.7.8",
			"PF_HOSTNAME": "gw.example",
			"PIA_TOKEN":   "tok123",
		}, vars)

		for _, p := range []string{conf, env} {
			info, err := os.Stat(p)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		}
	})

	t.Run("second write replaces every field", func(t *testing.T) {
		sink := FileSink{Dir: t.TempDir()}
		require.NoError(t, sink.Write(0, testConnection()))

		next := &Connection{
			LocalAddress:      "10.99.0.1",
			DNSServers:        []string{"10.0.0.1", "10.0.0.2"},
			GatewayPublicKey:  "bmV3",
			GatewayIP:         "9.9.9.9",
			GatewayCommonName: "gw2.example",
			PrivateKey:        "bmV3cHJpdg==",
			AuthToken:         "tok456",
		}
		require.NoError(t, sink.Write(0, next))

		conf, env := sink.Paths(0)
		b, err := os.ReadFile(conf)
		require.NoError(t, err)
		assert.Equal(t, RenderTunnel(next), string(b))
		assert.NotContains(t, string(b), "10.13.14.15")

		e, err := os.ReadFile(env)
		require.NoError(t, err)
		want, err := RenderEnv(next)
		require.NoError(t, err)
		assert.Equal(t, want, string(e))

		entries, err := os.ReadDir(sink.Dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2, "no staging files left behind")
	})

	t.Run("invalid connection leaves existing files untouched", func(t *testing.T) {
		sink := FileSink{Dir: t.TempDir()}
		require.NoError(t, sink.Write(1, testConnection()))

		bad := testConnection()
		bad.DNSServers = nil
		require.Error(t, sink.Write(1, bad))

		conf, _ := sink.Paths(1)
		b, err := os.ReadFile(conf)
		require.NoError(t, err)
		assert.Equal(t, RenderTunnel(testConnection()), string(b))
	})
	t.Run("failed env replacement restores the previous tunnel file", func(t *testing.T) {
		sink := FileSink{Dir: t.TempDir()}
		require.NoError(t, sink.Write(0, testConnection()))

		_, env := sink.Paths(0)
		require.NoError(t, os.Remove(env))
		require.NoError(t, os.MkdirAll(filepath.Join(env, "blocker"), 0o755))

		next := testConnection()
		next.AuthToken = "tok456"
		next.PrivateKey = "bmV3cHJpdg=="
		err := sink.Write(0, next)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replace connection env")

		conf, _ := sink.Paths(0)
		b, err := os.ReadFile(conf)
		require.NoError(t, err)
		assert.Equal(t, RenderTunnel(testConnection()), string(b))

		entries, err := os.ReadDir(sink.Dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2, "no staging files left behind")
	})

	t.Run("failed env replacement removes a first tunnel file", func(t *testing.T) {
		sink := FileSink{Dir: t.TempDir()}
		conf, env := sink.Paths(3)
		require.NoError(t, os.MkdirAll(filepath.Join(env, "blocker"), 0o755))

		require.Error(t, sink.Write(3, testConnection()))
		_, err := os.Stat(conf)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
