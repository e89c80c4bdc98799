package cmd

import (
	"docflow/pkg/api"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants (operator)",
	Long:  `Create and retire tenants. These commands authenticate with the controller's internal secret.`,
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant and print its API key",
	Long: `Create a tenant. The controller provisions the tenant's database and returns an API key.
The key is shown only once; store it safely.`,
	Example: `  docctl tenant create --name acme
  docctl tenant create --name acme --rate-limit 50 --burst 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClient()
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
		burst, _ := cmd.Flags().GetInt("burst")

		resp, err := client.CreateTenant(api.CreateTenantRequest{
			Name:           name,
			RateLimit:      rateLimit,
			RateLimitBurst: burst,
		})
		if err != nil {
			return err
		}

		cmd.Printf("%s✓%s Tenant %s%s%s created\n", colorGreen, colorReset, colorBold, resp.Name, colorReset)
		cmd.Printf("%sTenant ID:%s  %s\n", colorDim, colorReset, resp.ID)
		cmd.Printf("%sDatabase:%s   %s\n", colorDim, colorReset, resp.Database)
		cmd.Printf("%sAPI Key:%s    %s\n", colorDim, colorReset, resp.ApiKey)
		cmd.Println()
		cmd.Printf("%sSave the API key now; it cannot be retrieved again.%s\n", colorYellow, colorReset)
		return nil
	},
}

var tenantRetireCmd = &cobra.Command{
	Use:   "retire [tenant_id]",
	Short: "Retire a tenant",
	Long:  `Retire a tenant. Its API key stops working and its jobs are no longer processed. Data is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClient()
		if err != nil {
			return err
		}
		resp, err := client.RetireTenant(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Tenant %s (%s) is %s\n", resp.ID, resp.Name, resp.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantRetireCmd)

	tenantCreateCmd.Flags().StringP("name", "n", "", "Tenant name (required)")
	tenantCreateCmd.Flags().Float64("rate-limit", 0, "Requests per second (0 uses the controller default)")
	tenantCreateCmd.Flags().Int("burst", 0, "Rate limit burst (0 uses the controller default)")
	tenantCreateCmd.MarkFlagRequired("name")
}
