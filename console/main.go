package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"fleetwatch/console/internal/config"
	"fleetwatch/console/internal/db"
	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/session"
	"fleetwatch/console/internal/settings"
	"fleetwatch/console/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	var (
		cfgPath = flag.String("config", "config/config.yaml", "Path to configuration file")
		org     = flag.String("org", "", "Organization to work in (overrides the config file)")
		user    = flag.String("user", "", "Operator name recorded on requests (overrides the config file)")
	)
	flag.Parse()

	cfg := config.Init(*cfgPath)
	if *org != "" {
		cfg.Organization = *org
	}
	if *user != "" {
		cfg.User = *user
	}
	if err := logger.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "Cannot open log file:", err)
		os.Exit(1)
	}

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		logger.Errorf("Cannot open database: %v", err)
		fmt.Fprintln(os.Stderr, "Cannot open database:", err)
		os.Exit(1)
	}

	s := session.New(gdb, cfg, cfg.User, cfg.Organization)
	defer s.Close()

	config.Watch(func(c config.AppConfig) {
		logger.SetLevel(c.LogLevel)
		s.SetConfig(c)
		logger.Info("config reloaded")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = s.Open(ctx)
	cancel()
	switch {
	case errors.Is(err, settings.ErrConfigurationMissing):
		logger.Info("no connection saved yet, starting on the settings page")
	case err != nil:
		logger.Error("Cannot open session:", err)
		fmt.Fprintln(os.Stderr, "Cannot open session:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(ui.NewRootModel(s), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logger.Error("UI exited with error:", err)
		fmt.Fprintln(os.Stderr, "Error running console:", err)
		os.Exit(1)
	}
}
