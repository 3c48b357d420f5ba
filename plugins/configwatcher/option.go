package configwatcher

import (
	"github.com/bft-labs/devlink/internal/cliconfig"
	"github.com/bft-labs/devlink/pkg/sampler"
)

// FileLoader returns a Loader that layers the file and then the
// environment over base the way the CLI does, keeping values of changed
// flags.
//
// Usage:
//
//	w := configwatcher.New(configwatcher.Config{
//	    Path: path,
//	    Load: configwatcher.FileLoader(cfg, changed),
//	}, s)
func FileLoader(base cliconfig.Config, changed map[string]bool) Loader {
	return func(path string) (sampler.Config, error) {
		fc, err := cliconfig.LoadFileConfig(path)
		if err != nil {
			return sampler.Config{}, err
		}
		cfg := base
		if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
			return sampler.Config{}, err
		}
		if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
			return sampler.Config{}, err
		}
		return cfg.Sampler()
	}
}
