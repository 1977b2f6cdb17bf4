package cfg

import (
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "SIMPLEDB"

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}

type Config struct {
	Environment Environment `default:"dev"`

	DataDir             string `default:"data" split_words:"true"`
	PoolSize            uint64 `default:"64" split_words:"true"`
	StarvationThreshold int    `default:"2" split_words:"true"`

	Workers      int     `default:"8"`
	Transactions int     `default:"1000"`
	Pages        int     `default:"32"`
	WriteRatio   float64 `default:"0.5" split_words:"true"`
	MaxRetries   int     `default:"10" split_words:"true"`
}

// LoadConfig reads the optional .env file at path (".env" when empty) into
// the process environment and then decodes SIMPLEDB_* variables.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrapf(err, "load %s", path)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "envconfig processing")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "config validation")
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return err
	}

	switch {
	case c.DataDir == "":
		return errors.New("data dir must not be empty")
	case c.PoolSize == 0:
		return errors.New("pool size must be greater than zero")
	case c.Workers < 1:
		return errors.New("workers must be at least 1")
	case c.Transactions < 0:
		return errors.New("transactions must not be negative")
	case c.Pages < 2:
		return errors.New("pages must be at least 2")
	case c.WriteRatio < 0 || c.WriteRatio > 1:
		return errors.New("write ratio must be within [0, 1]")
	case c.MaxRetries < 1:
		return errors.New("max retries must be at least 1")
	}

	return nil
}
