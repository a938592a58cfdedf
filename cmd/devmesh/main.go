// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command devmesh runs the device mesh broker: an A2A-speaking front
// that routes incoming messages to MCP end devices and partner agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/devmesh/pkg/config"
	"github.com/kadirpekel/devmesh/pkg/logger"
	"github.com/kadirpekel/devmesh/pkg/runtime"
)

const version = "0.1.0"

const defaultConfigPath = "devmesh.yaml"

const shutdownGrace = 10 * time.Second

type cli struct {
	Config  string `help:"Path to the YAML config file." short:"c" default:"devmesh.yaml"`
	Log     string `help:"Override the configured log level (debug|info|warn|error)."`
	LogFile string `help:"Override the configured log file."`

	Serve    serveCmd    `cmd:"" default:"1" help:"Run the broker."`
	Validate validateCmd `cmd:"" help:"Validate the config and exit."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type serveCmd struct{}
type validateCmd struct{}
type versionCmd struct{}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("devmesh"),
		kong.Description("A2A broker for MCP end devices."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "devmesh: %v\n", err)
		os.Exit(1)
	}
}

func (versionCmd) Run(*cli) error {
	fmt.Println("devmesh", version)
	return nil
}

func (validateCmd) Run(c *cli) error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %d device(s), %d agent(s)\n", len(cfg.Devices), len(cfg.Agents))
	return nil
}

func (serveCmd) Run(c *cli) error {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "devmesh: env files: %v\n", err)
	}

	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = config.ProviderAPIKey(cfg.LLM.Type)
	}

	cleanup, err := setupLogging(c, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return rt.Stop(shutdownCtx)
}

// loadConfig reads the config file; a missing default path runs on
// built-in defaults so a bare `devmesh` still starts.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && path == defaultConfigPath {
			return config.ProcessConfigPipeline(&config.Config{})
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config.LoadFromFile(path)
}

func setupLogging(c *cli, cfg *config.Config) (func(), error) {
	levelStr := cfg.Logging.Level
	if c.Log != "" {
		levelStr = c.Log
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	logPath := cfg.Logging.File
	if c.LogFile != "" {
		logPath = c.LogFile
	}
	if logPath != "" {
		file, closeFile, err := logger.OpenLogFile(logPath)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cfg.Logging.Format)
	return cleanup, nil
}
