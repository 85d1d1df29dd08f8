package cmd

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/models"
	"github.com/Perceptus-Labs/sos-scanner/utils"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Run one detection cycle against an image file and print the candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return fmt.Errorf("failed to decode image: %w", err)
		}

		encoder := utils.NewFrameEncoder(cfg.JPEGQuality, cfg.DefaultWidth, cfg.DefaultHeight)
		payload, ok, err := encoder.Encode(utils.ImageSurface{Image: img})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image has no frame")
		}

		detector := utils.NewDetectionClient(utils.DetectorConfig{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.RequestTimeout,
		})

		out := detectOutput{Status: models.StatusReview}
		res, err := detector.Detect(cmd.Context(), payload)
		if err != nil {
			zap.L().Warn("Detection failed", zap.Error(err))
			out.Status = models.StatusConnectionError
			out.Error = err.Error()
		} else {
			out.Raw = res.Detections
			out.Candidates = cfg.Policy().Apply(res.Detections)
			out.RecognizedText = res.Text
			if len(out.Candidates) == 0 {
				out.Status = models.StatusLowConfidence
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

type detectOutput struct {
	Status         string             `json:"status"`
	Candidates     []models.Detection `json:"candidates"`
	RecognizedText []string           `json:"recognized_text,omitempty"`
	Raw            []models.Detection `json:"raw,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
