package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:          "motionforge",
		Short:        "Draft motion packets from uploaded exhibits with live research",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("MOTIONFORGE_CONFIG"), "config file (default is config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), purgeCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
