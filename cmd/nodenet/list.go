package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lcx/nodenet/directory"
	"github.com/lcx/nodenet/plugin"
)

var instanceFlag string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the servers announced to the directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		setupConfig()
		if err := plugin.InitPlugins(); err != nil {
			return err
		}
		defer func() { _ = plugin.DestroyPlugins() }()

		p, err := plugin.GetPlugin(plugin.Directory, "consul", instanceFlag)
		if err != nil {
			return err
		}
		consul, ok := p.(*directory.Consul)
		if !ok {
			return fmt.Errorf("directory plugin %s is %T", instanceFlag, p)
		}
		servers, err := consul.Servers(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tNAME\tMAP\tPLAYERS\tOPEN")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%t\n", s.Addr, s.Info.Name, s.Info.Map,
				s.Info.NumPlayers, s.Info.MaxPlayers, s.Info.CanJoin)
		}
		return w.Flush()
	},
}
