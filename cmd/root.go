/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PROOFGATE"

var rootCmd = &cobra.Command{
	Use:   "proofgate",
	Short: "Admission and config resolution front end for proof requests",
	Long: `proofgate accepts proof requests over JSON-RPC, resolves the effective
configuration of each one from the config file, the process flags and the
request itself, and forwards it to the execution pipeline while keeping the
number of in-flight requests under a fixed ceiling.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
