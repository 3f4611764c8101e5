// Package config holds the process settings of lapisgate. Values come from
// command line flags, LAPISGATE_* environment variables and an optional
// settings file, in that order of priority.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lapisgate/internal/blob"
	"lapisgate/internal/infra/blob/s3"
	"lapisgate/internal/infra/persistence/postgres"
)

// EnvPrefix prefixes every environment variable: flag "database-url" is
// read from LAPISGATE_DATABASE_URL.
const EnvPrefix = "LAPISGATE"

// Settings is the full process configuration.
type Settings struct {
	Listen string

	DatabaseURL             string
	DatabaseMaxOpenConns    int
	DatabaseMaxIdleConns    int
	DatabaseConnMaxLifetime time.Duration

	// ConfigPath is the organism schema file (YAML or JSON).
	ConfigPath string

	LogLevel  string
	LogFormat string

	DataVersion    string
	FastaLineWidth int

	BlobDriver      string
	BlobFSRoot      string
	BlobS3Bucket    string
	BlobS3Region    string
	BlobS3Endpoint  string
	BlobS3PathStyle bool

	ExportQueueSize int
	StartupTimeout  time.Duration

	// SettingsFile optionally names a YAML file with any of the keys above.
	SettingsFile string
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Listen:                  ":8080",
		DatabaseMaxOpenConns:    16,
		DatabaseMaxIdleConns:    4,
		DatabaseConnMaxLifetime: 30 * time.Minute,
		ConfigPath:              "organisms.yaml",
		LogLevel:                "info",
		LogFormat:               "text",
		DataVersion:             "0",
		BlobDriver:              string(blob.DriverFilesystem),
		BlobFSRoot:              "./exports",
		BlobS3Region:            "us-east-1",
		ExportQueueSize:         32,
		StartupTimeout:          time.Minute,
	}
}

// RegisterFlags defines one flag per setting on fs, bound to s.
func (s *Settings) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.Listen, "listen", s.Listen, "HTTP listen address")
	fs.StringVar(&s.DatabaseURL, "database-url", s.DatabaseURL, "PostgreSQL connection string")
	fs.IntVar(&s.DatabaseMaxOpenConns, "database-max-open-conns", s.DatabaseMaxOpenConns, "maximum open database connections")
	fs.IntVar(&s.DatabaseMaxIdleConns, "database-max-idle-conns", s.DatabaseMaxIdleConns, "maximum idle database connections")
	fs.DurationVar(&s.DatabaseConnMaxLifetime, "database-conn-max-lifetime", s.DatabaseConnMaxLifetime, "maximum lifetime of a database connection")
	fs.StringVar(&s.ConfigPath, "config-path", s.ConfigPath, "organism schema file")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "debug, info, warn or error")
	fs.StringVar(&s.LogFormat, "log-format", s.LogFormat, "text or json")
	fs.StringVar(&s.DataVersion, "data-version", s.DataVersion, "data version reported in response info")
	fs.IntVar(&s.FastaLineWidth, "fasta-line-width", s.FastaLineWidth, "wrap FASTA sequences at this width; 0 disables wrapping")
	fs.StringVar(&s.BlobDriver, "blob-driver", s.BlobDriver, "export storage: fs, s3 or memory")
	fs.StringVar(&s.BlobFSRoot, "blob-fs-root", s.BlobFSRoot, "root directory of the fs export store")
	fs.StringVar(&s.BlobS3Bucket, "blob-s3-bucket", s.BlobS3Bucket, "bucket of the s3 export store")
	fs.StringVar(&s.BlobS3Region, "blob-s3-region", s.BlobS3Region, "region of the s3 export store")
	fs.StringVar(&s.BlobS3Endpoint, "blob-s3-endpoint", s.BlobS3Endpoint, "custom S3 endpoint, e.g. MinIO")
	fs.BoolVar(&s.BlobS3PathStyle, "blob-s3-path-style", s.BlobS3PathStyle, "use path style S3 addressing")
	fs.IntVar(&s.ExportQueueSize, "export-queue-size", s.ExportQueueSize, "pending export jobs accepted before rejecting")
	fs.DurationVar(&s.StartupTimeout, "startup-timeout", s.StartupTimeout, "how long to wait for the database at startup")
	fs.StringVar(&s.SettingsFile, "settings", s.SettingsFile, "optional YAML settings file")
}

// Apply resolves every flag in flags that was not set on the command line
// from the environment and then the settings file. Flags hold pointers into
// Settings, so the values land directly in the struct.
func Apply(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("settings"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading settings file %s", file)
		}
		valid := make(map[string]bool)
		flags.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return errors.Errorf("invalid option in settings file: %s", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = errors.Wrapf(err, "setting %s", f.Name)
		}
	})
	return flagErr
}

// Validate checks values that flags cannot constrain by type.
func (s Settings) Validate() error {
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("log-format: unknown format %q", s.LogFormat)
	}
	switch blob.Driver(s.BlobDriver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if s.BlobS3Bucket == "" {
			return errors.New("blob-s3-bucket is required for the s3 driver")
		}
	default:
		return errors.Errorf("blob-driver: unknown driver %q", s.BlobDriver)
	}
	if s.FastaLineWidth < 0 {
		return errors.New("fasta-line-width must not be negative")
	}
	if s.ExportQueueSize <= 0 {
		return errors.New("export-queue-size must be positive")
	}
	if s.ConfigPath == "" {
		return errors.New("config-path is required")
	}
	return nil
}

// Postgres returns the connection pool settings.
func (s Settings) Postgres() postgres.Config {
	return postgres.Config{
		DSN:             s.DatabaseURL,
		MaxOpenConns:    s.DatabaseMaxOpenConns,
		MaxIdleConns:    s.DatabaseMaxIdleConns,
		ConnMaxLifetime: s.DatabaseConnMaxLifetime,
	}
}

// Blob returns the export store settings.
func (s Settings) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(s.BlobDriver),
		FSRoot: s.BlobFSRoot,
		S3: s3.Config{
			Bucket:    s.BlobS3Bucket,
			Region:    s.BlobS3Region,
			Endpoint:  s.BlobS3Endpoint,
			PathStyle: s.BlobS3PathStyle,
		},
	}
}

// NewLogger builds the root logger writing to out.
func (s Settings) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if s.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return logger, nil
}
