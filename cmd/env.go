package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jmorganca/txl/envconfig"
)

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment variables and their current values",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}
}

func envHandler(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}

	if out.json {
		return out.encode(envconfig.Values())
	}

	vars := envconfig.AsMap()
	keys := maps.Keys(vars)
	slices.Sort(keys)

	var rows [][]string
	for _, k := range keys {
		v := vars[k]
		rows = append(rows, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	out.table([]string{"NAME", "VALUE", "DESCRIPTION"}, rows)
	return nil
}

func NewConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
			return err
		},
	}
}
