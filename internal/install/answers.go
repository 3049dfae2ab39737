package install

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ceymail/ceymail-mc/internal/model"
)

// LoadAnswers reads an unattended-install answers file. Missing
// php_version falls back to the recommended release; everything else is
// left for Validate to judge so the caller gets the same errors an
// interactive run would.
func LoadAnswers(path string) (model.InstallConfig, error) {
	var cfg model.InstallConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read answers file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse answers file: %w", err)
	}

	if cfg.PHPVersion == "" {
		cfg.PHPVersion = RecommendedPHPVersion
	}
	return cfg, nil
}
