package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"docflow/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pipelineCmd = &cobra.Command{
	Use:     "pipeline",
	Aliases: []string{"pipelines"},
	Short:   "Manage pipeline definitions",
}

var pipelineApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a pipeline from a YAML file",
	Long: `Create a pipeline from a YAML definition, or replace an existing one when the file
carries its id. Every update bumps the pipeline version; running jobs keep the version
they started with.`,
	Example: `  # invoices.yaml
  name: invoices
  max_attempts: 3
  stages:
    - type: detect_media_type
    - type: text_extract
    - type: classify
      config:
        rules:
          - label: invoice
            keywords: ["invoice", "amount due"]
    - type: extract_fields
      when: {key: classification, equals: invoice}
      config:
        fields:
          - name: total
            pattern: 'Total:\s*([0-9.]+)'

  docctl pipeline apply -f invoices.yaml
  cat invoices.yaml | docctl pipeline apply -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return errors.New("a pipeline file is required (-f)")
		}
		req, err := readPipelineFile(file, cmd.InOrStdin())
		if err != nil {
			return err
		}

		client, err := tenantClient()
		if err != nil {
			return err
		}
		resp, err := client.ApplyPipeline(*req)
		if err != nil {
			return err
		}

		verb := "created"
		if req.ID != "" {
			verb = "updated"
		}
		cmd.Printf("%s✓%s Pipeline %s%s%s %s\n", colorGreen, colorReset, colorBold, resp.Name, colorReset, verb)
		cmd.Printf("%sID:%s       %s\n", colorDim, colorReset, resp.ID)
		cmd.Printf("%sVersion:%s  %d\n", colorDim, colorReset, resp.Version)
		cmd.Printf("%sStages:%s   %d\n", colorDim, colorReset, len(resp.Stages))
		return nil
	},
}

var pipelineGetCmd = &cobra.Command{
	Use:   "get [pipeline_id]",
	Short: "Print a pipeline as YAML",
	Long:  `Print a pipeline in the same format apply reads, so it can be edited and re-applied.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		p, err := client.GetPipeline(args[0])
		if err != nil {
			return err
		}

		cmd.Printf("# version %d, updated %s\n", p.Version, p.UpdatedAt.Format(time.RFC3339))
		out, err := yaml.Marshal(api.PipelineRequest{
			ID:          p.ID,
			Name:        p.Name,
			MaxAttempts: p.MaxAttempts,
			Stages:      p.Stages,
		})
		if err != nil {
			return fmt.Errorf("failed to encode pipeline: %w", err)
		}
		cmd.Print(string(out))
		return nil
	},
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		pipelines, err := client.ListPipelines()
		if err != nil {
			return err
		}
		if len(pipelines) == 0 {
			cmd.Println("No pipelines found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTAGES\tUPDATED")
		for _, p := range pipelines {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", p.ID, p.Name, p.Version, len(p.Stages), p.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// readPipelineFile decodes a YAML pipeline definition. "-" reads stdin.
func readPipelineFile(path string, stdin io.Reader) (*api.PipelineRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var req api.PipelineRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	if req.Name == "" {
		return nil, errors.New("pipeline file has no name")
	}
	if len(req.Stages) == 0 {
		return nil, errors.New("pipeline file has no stages")
	}
	for i := range req.Stages {
		req.Stages[i].Config = normalizeYAML(req.Stages[i].Config)
		if w := req.Stages[i].When; w != nil {
			w.Equals = normalizeValue(w.Equals)
		}
	}
	return &req, nil
}

// normalizeYAML converts nested map[string]any values so the result encodes as JSON.
func normalizeYAML(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineApplyCmd)
	pipelineCmd.AddCommand(pipelineGetCmd)
	pipelineCmd.AddCommand(pipelineListCmd)

	pipelineApplyCmd.Flags().StringP("file", "f", "", "Pipeline definition file (YAML, - for stdin)")
}
