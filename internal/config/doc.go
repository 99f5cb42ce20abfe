// Package config loads the configuration of lspclient sessions.
//
// A configuration file is TOML or YAML, chosen by extension. Values are
// layered, lowest priority first:
//
//  1. Built-in defaults
//  2. The configuration file
//  3. Environment variables prefixed with LSPCLIENT_
//
// # Basic Usage
//
//	cfg, err := config.Load("lspclient.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server, err := cfg.Server("gopls")
//
// # Example
//
//	[log]
//	level = "debug"
//	file = "/var/log/lspclient.log"
//
//	[[servers]]
//	name = "gopls"
//	command = "gopls"
//	args = ["serve"]
//	languages = ["go"]
//	stop_timeout = "3s"
//
//	[servers.settings.gopls]
//	staticcheck = true
//
// Watch reloads a configuration file when it changes on disk.
package config
