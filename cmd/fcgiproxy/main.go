// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command fcgiproxy runs a minimal HTTP-to-FastCGI reverse proxy, enough
// to drive the fcgi package end to end from a directive-style config file.
package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caddy-fcgi/fcgiproxy/fcgi"
)

var (
	configPath string
	listenAddr string
	verbose    bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fcgiproxy",
		Short:         "HTTP to FastCGI reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a configuration file and serve HTTP, proxying to FastCGI",
		RunE:  runE,
	}
	var flags *pflag.FlagSet = cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "fcgiproxy.conf", "path to the directive-style configuration file")
	flags.StringVarP(&listenAddr, "listen", "l", ":8080", "address to listen for HTTP requests on")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	return cmd
}

func runE(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := fcgi.ParseConfig(f)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	transport := &fcgi.Transport{Logger: logger}
	if err := transport.Provision(cfg); err != nil {
		return fmt.Errorf("provision transport: %w", err)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Scheme = "http"
			r.Out.URL.Host = "fastcgi"
		},
		Transport: transport,
		ErrorLog:  nil,
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("listening", zap.String("addr", listenAddr), zap.Strings("upstreams", cfg.Upstreams))
	return srv.ListenAndServe()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
