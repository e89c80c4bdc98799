package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload a document, optionally starting a pipeline on it",
	Example: `  docctl upload invoice.pdf
  docctl upload invoice.pdf --pipeline 3f6c... --metadata '{"customer":"acme"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		pipelineID, _ := cmd.Flags().GetString("pipeline")
		name, _ := cmd.Flags().GetString("name")
		contentType, _ := cmd.Flags().GetString("content-type")
		metadata, _ := cmd.Flags().GetString("metadata")

		if metadata != "" && !json.Valid([]byte(metadata)) {
			return errors.New("--metadata must be a JSON object")
		}
		if name == "" {
			name = filepath.Base(path)
		}
		if contentType == "" {
			mt, err := mimetype.DetectFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			contentType = mt.String()
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		client, err := tenantClient()
		if err != nil {
			return err
		}
		resp, err := client.UploadDocument(UploadRequest{
			Name:        name,
			ContentType: contentType,
			PipelineID:  pipelineID,
			Metadata:    metadata,
			Content:     f,
		})
		if err != nil {
			return err
		}

		doc := resp.Document
		cmd.Printf("%s✓%s Document uploaded\n", colorGreen, colorReset)
		cmd.Printf("%sDocument ID:%s  %s\n", colorDim, colorReset, doc.ID)
		cmd.Printf("%sMedia Type:%s   %s\n", colorDim, colorReset, doc.MediaType)
		cmd.Printf("%sSize:%s         %d bytes\n", colorDim, colorReset, doc.Size)
		cmd.Printf("%sSHA-256:%s      %s\n", colorDim, colorReset, doc.ContentHash)
		if resp.Job != nil {
			cmd.Printf("%sJob ID:%s       %s\n", colorDim, colorReset, resp.Job.ID)
			cmd.Println()
			cmd.Printf("Follow it with: docctl status %s --watch\n", resp.Job.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringP("pipeline", "p", "", "Pipeline to run on the document")
	uploadCmd.Flags().String("name", "", "Document name (default: file name)")
	uploadCmd.Flags().String("content-type", "", "Media type (default: detected from content)")
	uploadCmd.Flags().StringP("metadata", "m", "", "Initial metadata as a JSON object")
}
