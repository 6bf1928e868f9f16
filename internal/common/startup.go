package common

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/armadaproject/corral/internal/common/slurmconf"
)

const (
	// EnvPrefix prefixes the environment variables that override command line flags, e.g. CORRAL_CONFIG.
	EnvPrefix = "CORRAL"
	// ConfigFlag names the cluster configuration file.
	ConfigFlag        = "config"
	DefaultConfigPath = "/etc/corral/slurm.conf"
)

// BindCommandlineArguments makes the flags of cmd available through viper. A flag left unset on the command
// line takes its value from CORRAL_<FLAG>, with dashes replaced by underscores.
func BindCommandlineArguments(cmd *cobra.Command) error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	var err error
	bind := func(flags *pflag.FlagSet) {
		if bindErr := viper.BindPFlags(flags); bindErr != nil && err == nil {
			err = errors.WithStack(bindErr)
		}
	}
	bind(cmd.PersistentFlags())
	bind(cmd.Flags())
	return err
}

// AddConfigFlag adds the persistent flag naming the cluster configuration file.
func AddConfigFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String(ConfigFlag, DefaultConfigPath, "cluster configuration file")
}

// LoadConfig loads the cluster configuration named by the config flag. It returns the path it was read from.
func LoadConfig() (*slurmconf.Config, string, error) {
	path := viper.GetString(ConfigFlag)
	config, err := slurmconf.Load(path)
	if err != nil {
		return nil, path, errors.WithMessagef(err, "loading %s", path)
	}
	return config, path, nil
}
