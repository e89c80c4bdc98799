package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docctl",
	Short: "docctl is a command line tool for the docflow document pipeline engine",
	Long: `docctl is the command-line interface for docflow.

docflow runs tenant-defined document pipelines: an uploaded document moves through an
ordered list of stages (media detection, text extraction, classification, field
extraction, validation, external commands) and every stage result is merged into the
document's metadata. Each tenant's data lives in its own database.

Common workflows:

  Define or update a pipeline from YAML:
    docctl pipeline apply -f invoices.yaml

  Upload a document and run a pipeline on it:
    docctl upload invoice.pdf --pipeline <pipeline-id>

  Follow a job:
    docctl status <job-id> --watch

  Retry a failed job from the stage that failed:
    docctl retry <job-id>

Operator commands (tenant, dlq) authenticate with the controller's internal secret.

Configuration:
  Set the API endpoint and credentials via flags, environment variables or a config file:
    DOCFLOW_URL            API endpoint (default: http://localhost:6161)
    DOCFLOW_TOKEN          Tenant API key
    DOCFLOW_ADMIN_TOKEN    Internal secret for operator commands`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".docctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".docctl")
		viper.SetConfigType("yaml")
	}

	configureEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configureEnv reads environment variables that match "DOCFLOW_VARNAME".
func configureEnv() {
	viper.SetEnvPrefix("DOCFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// tenantClient returns a client authenticated with the tenant API key.
func tenantClient() (*Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, errors.New("API token not found. Please set it using the --token flag or the DOCFLOW_TOKEN environment variable")
	}
	return NewClient(viper.GetString("url"), token), nil
}

// adminClient returns a client authenticated with the internal secret.
func adminClient() (*Client, error) {
	token := viper.GetString("admin_token")
	if token == "" {
		return nil, errors.New("admin token not found. Please set it using the --admin-token flag or the DOCFLOW_ADMIN_TOKEN environment variable")
	}
	return NewClient(viper.GetString("url"), token), nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.docctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "docflow controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Tenant API key")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("admin-token", "", "Internal secret for operator commands")
	viper.BindPFlag("admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))
}
