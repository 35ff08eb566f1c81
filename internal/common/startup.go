package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	"github.com/armadaproject/profiler/internal/common/config"
)

const EnvPrefix = "PROFILER"

// LoadConfig reads config.yaml from defaultPath, merges overrideConfigs in order and applies
// PROFILER_ prefixed environment variables, e.g. PROFILER_PROFILER_MAXWORKERS, and the flags of
// flags that were set on the command line. The process exits if the configuration cannot be
// loaded or is invalid.
func LoadConfig(cfg interface{}, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) *viper.Viper {
	v, err := loadConfig(cfg, defaultPath, overrideConfigs, flags)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

func loadConfig(cfg interface{}, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := v.Unmarshal(cfg, config.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return v, nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureLogLevel sets the log level and starts counting log lines per level in prometheus.
func ConfigureLogLevel(level string) error {
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(parsed)
	}
	log.AddHook(promrus.MustNewPrometheusHook())
	return nil
}
