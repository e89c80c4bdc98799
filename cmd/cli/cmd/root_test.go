package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	configureEnv()
}

// resetFlags restores every flag of the command tree to its default, since cobra keeps
// parsed values between Execute calls.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()

	// Set environment variable
	t.Setenv("DOCFLOW_TOKEN", "env-token-value")
	t.Setenv("DOCFLOW_URL", "http://custom-url:8080")
	t.Setenv("DOCFLOW_ADMIN_TOKEN", "env-admin-secret")

	if token := viper.GetString("token"); token != "env-token-value" {
		t.Errorf("expected token from env var, got: %s", token)
	}
	if url := viper.GetString("url"); url != "http://custom-url:8080" {
		t.Errorf("expected url from env var, got: %s", url)
	}
	if admin := viper.GetString("admin_token"); admin != "env-admin-secret" {
		t.Errorf("expected admin token from env var, got: %s", admin)
	}
}

func TestRootCommand_ExecuteReturnsNoError(t *testing.T) {
	resetViper()

	if _, err := execute(t, "--help"); err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{
		"tenant": false, "pipeline": false, "upload [file]": false, "status [job_id]": false,
		"cancel [job_id]": false, "retry [job_id]": false, "dlq": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Use]; ok {
			want[cmd.Use] = true
		}
	}
	for use, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered with root command", use)
		}
	}
}

func TestExecute_ReturnsError(t *testing.T) {
	resetViper()

	// Set args that will cause an error (unknown command)
	if _, err := execute(t, "unknown-command-xyz"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestCommands_RequireToken(t *testing.T) {
	tests := [][]string{
		{"status", "job-1"},
		{"pipeline", "list"},
		{"cancel", "job-1"},
		{"tenant", "create", "--name", "acme"},
		{"dlq", "list"},
	}
	for _, args := range tests {
		resetViper()
		_, err := execute(t, args...)
		if err == nil {
			t.Errorf("%v: expected an error without credentials", args)
		}
	}
}

func TestRootCommand_CustomConfigFile(t *testing.T) {
	resetViper()

	// Create a temp config file
	tmpFile, err := os.CreateTemp("", "docctl-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Write test config
	tmpFile.WriteString("url: http://custom-from-config:9999\ntoken: config-token\nadmin_token: config-secret\n")
	tmpFile.Close()

	// Set the config file flag
	cfgFile = tmpFile.Name()
	defer func() { cfgFile = "" }()
	initConfig()

	// Verify config was loaded
	if url := viper.GetString("url"); url != "http://custom-from-config:9999" {
		t.Errorf("expected url from config file, got: %s", url)
	}
	if token := viper.GetString("token"); token != "config-token" {
		t.Errorf("expected token from config file, got: %s", token)
	}
	if admin := viper.GetString("admin_token"); admin != "config-secret" {
		t.Errorf("expected admin token from config file, got: %s", admin)
	}
}
