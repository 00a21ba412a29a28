package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/organelle/pkg/chunkarray"
)

func newFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(args))
	return v
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(newFlags(t), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultBucket, c.Bucket)
	assert.Equal(t, "us-east-1", c.Region)
	assert.Equal(t, chunkarray.FormatN5, c.ContainerFormat())
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, 5*time.Minute, c.Timeout)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Empty(t, c.CacheDir)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "organelle.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
bucket: my-mirror
format: zarr
cache-dir: /tmp/organelle-cache
concurrency: 2
logging:
  level: debug
`), 0o644))

	c, err := Load(newFlags(t, "--concurrency=16", "--timeout=30s"), file)
	require.NoError(t, err)
	assert.Equal(t, "my-mirror", c.Bucket)
	assert.Equal(t, chunkarray.FormatZarr, c.ContainerFormat())
	assert.Equal(t, "/tmp/organelle-cache", c.CacheDir)
	assert.Equal(t, 16, c.Concurrency)
	assert.Equal(t, 30*time.Second, c.Timeout)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("ORGANELLE_CACHE_DIR", "/var/cache/organelle")
	c, err := Load(newFlags(t), "")
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/organelle", c.CacheDir)
}

func TestValidate(t *testing.T) {
	base := Config{Bucket: "b", Format: "n5", Concurrency: 1}
	require.NoError(t, base.Validate())

	bad := base
	bad.Format = "hdf5"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.AccessKey = "AKIA"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Bucket = ""
	assert.Error(t, bad.Validate())
}

func TestNewS3ClientCustomEndpoint(t *testing.T) {
	c := Config{Region: "us-east-1", Endpoint: "http://127.0.0.1:9000"}
	client, err := c.NewS3Client(context.Background())
	require.NoError(t, err)
	assert.True(t, client.Options().UsePathStyle)
	assert.Equal(t, "http://127.0.0.1:9000", *client.Options().BaseEndpoint)
}
