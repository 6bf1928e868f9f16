package client

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/armadaproject/corral/internal/common"
	"github.com/armadaproject/corral/internal/common/slurmconf"
)

// LoadCommandlineArgsFromConfigFile reads defaults for command line flags from corralctl-defaults.yaml next
// to the executable, then from cfgFile or ~/.corralctl.yaml. Missing files are ignored.
func LoadCommandlineArgsFromConfigFile(cfgFile string) error {
	exePath, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "finding executable path")
	}
	viper.SetConfigFile(filepath.Join(filepath.Dir(exePath), "corralctl-defaults.yaml"))
	if err := viper.ReadInConfig(); err != nil && !isMissingConfig(err) {
		return errors.Wrapf(err, "reading config file %s", viper.ConfigFileUsed())
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return errors.Wrap(err, "getting user home directory")
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".corralctl")
		viper.SetConfigType("yaml")
	}
	if err := viper.MergeInConfig(); err != nil && !isMissingConfig(err) {
		return errors.Wrapf(err, "reading config file %s", viper.ConfigFileUsed())
	}
	return nil
}

func isMissingConfig(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// ExtractCommandlineClient loads the cluster configuration named on the command line and returns a client
// for it.
func ExtractCommandlineClient(opts ...Option) (*Client, *slurmconf.Config, error) {
	config, _, err := common.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := New(config, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, config, nil
}
