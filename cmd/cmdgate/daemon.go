package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cmdgate/internal/config"

	"github.com/spf13/cobra"
)

// service describes where the unit file for one init system lives and how
// the operator starts it afterwards.
type service struct {
	path  string
	body  string
	hints []string
}

func serviceFor(goos, home, execPath, cfgPath string) (service, error) {
	switch goos {
	case "darwin":
		logDir := filepath.Join(config.DefaultConfigDir(), "logs")
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return service{
			path: path,
			body: renderService(launchdTemplate, map[string]string{
				"EXEC":    execPath,
				"CONFIG":  cfgPath,
				"LABEL":   launchdLabel,
				"LOG":     filepath.Join(logDir, "cmdgate.log"),
				"ERR_LOG": filepath.Join(logDir, "cmdgate-error.log"),
			}),
			hints: []string{"launchctl load " + path, "launchctl unload " + path},
		}, nil
	case "linux":
		return service{
			path: filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			body: renderService(systemdTemplate, map[string]string{"EXEC": execPath, "CONFIG": cfgPath}),
			hints: []string{
				"systemctl --user daemon-reload && systemctl --user enable --now cmdgate",
				"systemctl --user stop cmdgate",
			},
		}, nil
	}
	return service{}, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install cmdgate serve as a user service (launchd/systemd)",
		Long:  "Writes a user service file that runs 'cmdgate serve' at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc, err := serviceFor(runtime.GOOS, home, execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if runtime.GOOS == "darwin" {
				if err := os.MkdirAll(filepath.Join(config.DefaultConfigDir(), "logs"), 0o755); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(svc.path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(svc.path, []byte(svc.body), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", svc.path)
			fmt.Printf("  start: %s\n", svc.hints[0])
			fmt.Printf("  stop:  %s\n", svc.hints[1])
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the cmdgate user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc, err := serviceFor(runtime.GOOS, home, "", "")
			if err != nil {
				return err
			}
			if err := os.Remove(svc.path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s (stop it first with: %s)\n", svc.path, svc.hints[1])
			return nil
		},
	}
}

const (
	launchdLabel = "com.cmdgate.serve"
	systemdUnit  = "cmdgate.service"
)

// renderService fills {{KEY}} placeholders. Unknown placeholders are left
// as written.
func renderService(tmpl string, vals map[string]string) string {
	pairs := make([]string, 0, 2*len(vals))
	for k, v := range vals {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=cmdgate command security gateway
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
KillSignal=SIGTERM
TimeoutStopSec=30
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
