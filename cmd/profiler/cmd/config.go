package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

const redacted = "<redacted>"

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redact(config))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

// redact returns a copy of config with secrets masked.
func redact(config *configuration.ProfilerConfiguration) *configuration.ProfilerConfiguration {
	result := *config
	connection := config.Profiler.Backend.Postgres.Connection
	if connection == nil {
		return &result
	}
	masked := make(map[string]string, len(connection))
	for key, value := range connection {
		if strings.EqualFold(key, "password") {
			value = redacted
		}
		masked[key] = value
	}
	result.Profiler.Backend.Postgres.Connection = masked
	return &result
}
