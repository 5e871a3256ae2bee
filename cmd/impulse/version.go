package main

import "github.com/spf13/cobra"

func (c *command) initVersionCmd() {
	v := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version, gitSHA)
		},
	}
	c.root.AddCommand(v)
}
