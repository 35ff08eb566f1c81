package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/armadaproject/profiler/internal/common"
	"github.com/armadaproject/profiler/internal/common/app"
	"github.com/armadaproject/profiler/internal/profiler"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

const configFlag = "config"

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringSlice(configFlag, []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
}

// overrideFlags returns the flags that map onto configuration keys.
func overrideFlags(flags *pflag.FlagSet) *pflag.FlagSet {
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name != configFlag {
			overrides.AddFlag(flag)
		}
	})
	return overrides
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the demo application with the profiler installed",
		RunE:  runCmdE,
	}

	addConfigFlags(cmd.Flags())
	cmd.Flags().Uint16("httpPort", 0, "Port of the demo application")
	cmd.Flags().Uint16("metricsPort", 0, "Port of the metrics and health endpoints")
	cmd.Flags().String("logLevel", "", "Log level: debug, info, warn or error")

	return cmd
}

func runCmdE(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := common.ConfigureLogLevel(config.LogLevel); err != nil {
		return errors.WithMessage(err, "invalid log level")
	}

	log.WithFields(log.Fields{
		"httpPort":    config.HttpPort,
		"metricsPort": config.MetricsPort,
		"backend":     config.Profiler.Backend.Engine,
	}).Info("Starting profiler")
	return profiler.NewApp(config).StartUp(app.CreateContextWithShutdown())
}

func loadConfig(cmd *cobra.Command) (*configuration.ProfilerConfiguration, error) {
	userConfigs, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.ProfilerConfiguration
	common.LoadConfig(&config, defaultConfigPath, userConfigs, overrideFlags(cmd.Flags()))
	return &config, nil
}
