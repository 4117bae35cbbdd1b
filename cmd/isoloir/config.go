package main

import (
	"io/ioutil"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Config is the yaml configuration of a deployment.
type Config struct {
	// Listen is the address of the http proxy.
	Listen string `yaml:"listen"`

	// DB is the path of the ledger database. Empty means in-memory.
	DB string `yaml:"db"`

	// JournalDB is the path of the saga journal database. Empty means
	// in-memory.
	JournalDB string `yaml:"journal_db"`

	// Admin is the address operating the stores.
	Admin string `yaml:"admin"`

	VerifiedID   string `yaml:"verified_id"`
	CroupierID   string `yaml:"croupier_id"`
	ScrutateurID string `yaml:"scrutateur_id"`

	// TokenCmd is the path of an external token generator. Empty means the
	// builtin one.
	TokenCmd  string   `yaml:"token_cmd"`
	TokenArgs []string `yaml:"token_args"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("failed to read config '%s': %v", path, err)
	}

	cfg := Config{
		Listen: "127.0.0.1:8080",
		Admin:  "admin",
	}

	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return Config{}, xerrors.Errorf("failed to parse config '%s': %v", path, err)
	}

	return cfg, nil
}
