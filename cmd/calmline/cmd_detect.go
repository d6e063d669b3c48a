package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect [message...]",
	Short: "Classify messages and print the assessment as JSON",
	Long:  "Classifies the message given as arguments, or each line of stdin when no arguments are given.",
	RunE:  runDetect,
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	det, err := loadDetector(cfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if len(args) > 0 {
		return enc.Encode(det.Detect(strings.Join(args, " ")))
	}

	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		if err := enc.Encode(det.Detect(sc.Text())); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}
