package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/logging"
)

// DefaultBucket is the public bucket holding the OpenOrganelle datasets.
const DefaultBucket = "janelia-cosem-datasets"

// Config is the runtime configuration shared by the CLI and the daemon.
type Config struct {
	Bucket      string         `mapstructure:"bucket"`
	Prefix      string         `mapstructure:"prefix"`
	Region      string         `mapstructure:"region"`
	Endpoint    string         `mapstructure:"endpoint"`
	AccessKey   string         `mapstructure:"access-key"`
	SecretKey   string         `mapstructure:"secret-key"`
	Format      string         `mapstructure:"format"`
	CacheDir    string         `mapstructure:"cache-dir"`
	Concurrency int            `mapstructure:"concurrency"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Logging     logging.Config `mapstructure:"logging"`
}

// BindFlags registers the shared flags on fs and binds them into v. Values
// resolve as flag, then ORGANELLE_* environment variable, then config file.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("bucket", DefaultBucket, "S3 bucket holding the datasets")
	fs.String("prefix", "", "key prefix inside the bucket")
	fs.String("region", "us-east-1", "S3 region")
	fs.String("endpoint", "", "optional S3-compatible endpoint")
	fs.String("access-key", "", "S3 access key (anonymous access when empty)")
	fs.String("secret-key", "", "S3 secret key")
	fs.String("format", string(chunkarray.FormatN5), "container format: n5 or zarr")
	fs.String("cache-dir", "", "directory for the on-disk chunk cache (disabled when empty)")
	fs.Int("concurrency", 8, "chunks fetched in parallel per request")
	fs.Duration("timeout", 5*time.Minute, "deadline for one command")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("debug", false, "debug logging with console encoder")
	fs.String("log-file", "", "also write JSON logs to this rotated file")

	binds := map[string]string{
		"bucket":        "bucket",
		"prefix":        "prefix",
		"region":        "region",
		"endpoint":      "endpoint",
		"access-key":    "access-key",
		"secret-key":    "secret-key",
		"format":        "format",
		"cache-dir":     "cache-dir",
		"concurrency":   "concurrency",
		"timeout":       "timeout",
		"logging.level": "log-level",
		"logging.debug": "debug",
		"logging.file":  "log-file",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind %s: %w", flag, err)
		}
	}
	v.SetEnvPrefix("organelle")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the fields the extractor depends on.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if _, err := chunkarray.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0, not %d", c.Concurrency)
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access-key and secret-key must be set together")
	}
	return c.Logging.Validate()
}

// ContainerFormat returns the parsed format.
func (c Config) ContainerFormat() chunkarray.Format {
	f, _ := chunkarray.ParseFormat(c.Format)
	return f
}

// AWSConfig builds an AWS configuration that reads anonymously unless static
// keys are configured.
func (c Config) AWSConfig(ctx context.Context) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	} else {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	return awsconfig.LoadDefaultConfig(ctx, loaders...)
}

// NewS3Client builds the S3 client, switching to path-style addressing for
// custom endpoints.
func (c Config) NewS3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
