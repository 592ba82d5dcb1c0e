package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/berrygraph/federation-engine/federation"
	"github.com/berrygraph/federation-engine/server"
)

var version = "v0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "federation-engine",
		Short: "Federation entity-resolution engine",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the yaml configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the federation engine",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("federation-engine %s\n", version)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the federation engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := server.LoadOption(configPath)
			if err != nil {
				return err
			}
			srv, err := server.New(opt)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configured federation metadata without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := server.LoadOption(configPath)
			if err != nil {
				return err
			}
			if opt.MetadataFile == "" {
				return fmt.Errorf("no metadata_file configured in %s", configPath)
			}

			md, err := server.LoadMetadata(opt.MetadataFile)
			if err != nil {
				return err
			}
			if err := md.Validate(); err != nil {
				return err
			}
			order, err := federation.DependencyOrder(md)
			if err != nil {
				return err
			}

			fmt.Printf("metadata %s: %d federated types\n", md.Version, len(md.Types))
			for _, id := range order {
				fmt.Printf("  requires %s\n", id)
			}
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
