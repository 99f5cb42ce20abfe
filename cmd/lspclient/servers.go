package main

import (
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dshills/lspclient/internal/config"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the configured language servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Servers) == 0 {
			return config.ErrNoServers
		}
		return pterm.DefaultTable.WithHasHeader(true).WithWriter(os.Stdout).WithData(serverTable(cfg.Servers)).Render()
	},
}

func serverTable(servers []config.ServerConfig) pterm.TableData {
	data := pterm.TableData{{"Name", "Transport", "Endpoint", "Languages"}}
	for _, s := range servers {
		data = append(data, []string{s.Name, s.Transport, endpoint(s), strings.Join(s.Languages, ",")})
	}
	return data
}

func endpoint(s config.ServerConfig) string {
	switch s.Transport {
	case config.TransportSocket:
		return s.Network + "://" + s.Address
	case config.TransportWebSocket:
		return s.URL
	default:
		return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
	}
}
