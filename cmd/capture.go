package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/observability"
)

// newScreenshotCmd creates the `screenshot` command: navigate and write a
// viewport capture to disk.
func newScreenshotCmd() *cobra.Command {
	screenshotCmd := &cobra.Command{
		Use:   "screenshot <url>",
		Short: "Navigate to a URL and save a viewport screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			quality, _ := cmd.Flags().GetInt("quality")

			p, cleanup, err := openPage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := p.Goto(ctx, args[0]); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			encoded, err := p.Screenshot(ctx, format, quality)
			if err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			if err := writeCapture(output, encoded); err != nil {
				return err
			}
			logger.Info("Screenshot saved.", zap.String("path", output))
			return nil
		},
	}

	screenshotCmd.Flags().StringP("output", "o", "page.png", "output file path")
	screenshotCmd.Flags().String("format", "png", "image format: png, jpeg, or webp")
	screenshotCmd.Flags().Int("quality", 0, "compression quality for lossy formats (1-100)")
	return screenshotCmd
}

// newPDFCmd creates the `pdf` command: navigate and print the page to a PDF.
func newPDFCmd() *cobra.Command {
	pdfCmd := &cobra.Command{
		Use:   "pdf <url>",
		Short: "Navigate to a URL and print it to a PDF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			output, _ := cmd.Flags().GetString("output")
			landscape, _ := cmd.Flags().GetBool("landscape")

			p, cleanup, err := openPage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := p.Goto(ctx, args[0]); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			encoded, err := p.PDF(ctx, landscape)
			if err != nil {
				return fmt.Errorf("print: %w", err)
			}
			if err := writeCapture(output, encoded); err != nil {
				return err
			}
			logger.Info("PDF saved.", zap.String("path", output))
			return nil
		},
	}

	pdfCmd.Flags().StringP("output", "o", "page.pdf", "output file path")
	pdfCmd.Flags().Bool("landscape", false, "landscape orientation")
	return pdfCmd
}

// writeCapture decodes a base64 capture payload and writes it to path.
func writeCapture(path, encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode capture payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(newScreenshotCmd())
	rootCmd.AddCommand(newPDFCmd())
}
