package main

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Print the server capabilities and feature registrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := selectServer()
		if err != nil {
			return err
		}
		s, err := newSession(cfg, srv, os.Stderr, false, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warn("stopping server", zap.Error(err))
			}
		}()

		if err := s.Start(cmd.Context()); err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, s.client.Capabilities().Raw(), "", "  "); err != nil {
			return err
		}
		pterm.DefaultSection.Println(serverName(s))
		pterm.Println(pretty.String())

		pterm.DefaultSection.Println("Features")
		return renderFeatures(os.Stdout, s.client.Features())
	},
}
