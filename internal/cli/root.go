// Package cli implements the indexd command line.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read as configuration.
const EnvPrefix = "INDEXD"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "indexd",
		Short: "indexd ingests event streams into partitioned search indexes.",
		Long: `indexd ingests event streams into partitioned search indexes.

A node serves a set of partitions: it routes keys to the nodes that own
them, replays and ingests events per partition, and builds and promotes
shard generations from offline index forms.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := setAllConfig(v, cmd.Flags()); err != nil {
				return err
			}

			ret, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("problem getting dry-run flag: %v", err)
			}
			if ret && cmd.Parent() != nil {
				return fmt.Errorf("dry run")
			}
			return nil
		},
	}
	rc.PersistentFlags().Bool("dry-run", false, "stop before executing")
	_ = rc.PersistentFlags().MarkHidden("dry-run")
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServeCommand(stdin, stdout, stderr))
	rc.AddCommand(newBuildFormCommand(stdin, stdout, stderr))
	rc.AddCommand(newBuildShardCommand(stdin, stdout, stderr))
	rc.AddCommand(newRouteCommand(stdin, stdout, stderr))
	rc.AddCommand(newLocateCommand(stdin, stdout, stderr))
	rc.AddCommand(newStatsCommand(stdin, stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig treats flags as the definition of every option and its
// default, then applies the environment and an optional TOML config file
// beneath explicitly set flags. Environment variables are the upper-cased
// flag names with dashes and dots replaced by underscores, prefixed with
// INDEXD_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		switch f.Value.Type() {
		case "stringSlice", "intSlice":
			// A slice from the config file is not a comma separated string,
			// so GetString would return "".
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		default:
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}
