package main

import (
	"fmt"

	"github.com/always-cache/pagecache"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry from the configured cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := loadOptions()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		pc, err := pagecache.New(pagecache.Config{Options: options, Logger: &log.Logger})
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		if err := pc.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
		return nil
	},
}
