package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Api          ApiConfig          `yaml:"api"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Verification VerificationConfig `yaml:"verification"`
	Election     ElectionConfig     `yaml:"election"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type ApiConfig struct {
	ListenAddress string `yaml:"listenAddress" envconfig:"API_LISTEN_ADDRESS"`
	ListenPort    uint   `yaml:"listenPort"    envconfig:"API_LISTEN_PORT"`
}

type LedgerConfig struct {
	// Admin is the election admin address. When empty a development admin
	// wallet is generated at startup.
	Admin       string `yaml:"admin"       envconfig:"LEDGER_ADMIN"`
	SnapshotDir string `yaml:"snapshotDir" envconfig:"LEDGER_SNAPSHOT_DIR"`
}

type VerificationConfig struct {
	// Mode selects the verification backend: "local" (embedded matcher) or
	// "http" (external iris API).
	Mode         string        `yaml:"mode"         envconfig:"VERIFICATION_MODE"`
	Url          string        `yaml:"url"          envconfig:"VERIFICATION_URL"`
	DatabasePath string        `yaml:"databasePath" envconfig:"VERIFICATION_DATABASE_PATH"`
	Timeout      time.Duration `yaml:"timeout"      envconfig:"VERIFICATION_TIMEOUT"`
}

type ElectionConfig struct {
	AllowMidElectionCandidates bool   `yaml:"allowMidElectionCandidates" envconfig:"ELECTION_ALLOW_MID_ELECTION_CANDIDATES"`
	ChainId                    string `yaml:"chainId"                    envconfig:"ELECTION_CHAIN_ID"`
}

var globalConfig = &Config{
	Logging: LoggingConfig{
		Level: "info",
	},
	Api: ApiConfig{
		ListenAddress: "0.0.0.0",
		ListenPort:    8080,
	},
	Ledger: LedgerConfig{
		SnapshotDir: "data",
	},
	Verification: VerificationConfig{
		Mode:         "local",
		Url:          "http://localhost:5000",
		DatabasePath: "data/enrollments.db",
		Timeout:      15 * time.Second,
	},
	Election: ElectionConfig{
		ChainId: "0x539",
	},
}

// Load reads the optional YAML config file and applies environment variable
// overrides on top of the defaults.
func Load(configFile string) (*Config, error) {
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("electiond", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
