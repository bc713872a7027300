package deploy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"
)

// Supported service managers.
const (
	PlatformLaunchd = "launchd"
	PlatformSystemd = "systemd"
)

const (
	launchdLabel = "com.customlambda.server"
	systemdUnit  = "customlambda.service"
)

// ServiceConfig describes the `customlambda serve` service to install.
type ServiceConfig struct {
	BinaryPath string // absolute path of the customlambda binary
	DataDir    string
	APIAddr    string
	Backend    string // "file" or "sqlite"

	Platform string // launchd or systemd; empty picks by GOOS
	Home     string // user home; empty uses os.UserHomeDir
}

// InstallResult reports where the service file went.
type InstallResult struct {
	ServiceFile  string
	Platform     string
	Instructions string
}

var launchdTmpl = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>{{.Label}}</string>
  <key>ProgramArguments</key>
  <array>
    <string>{{.BinaryPath}}</string>
    <string>serve</string>
  </array>
  <key>EnvironmentVariables</key>
  <dict>
    <key>CUSTOMLAMBDA_DATA</key>
    <string>{{.DataDir}}</string>
    <key>CUSTOMLAMBDA_API_ADDR</key>
    <string>{{.APIAddr}}</string>
    <key>CUSTOMLAMBDA_BACKEND</key>
    <string>{{.Backend}}</string>
  </dict>
  <key>RunAtLoad</key>
  <true/>
  <key>KeepAlive</key>
  <true/>
  <key>StandardOutPath</key>
  <string>{{.LogDir}}/customlambda.log</string>
  <key>StandardErrorPath</key>
  <string>{{.LogDir}}/customlambda.err</string>
  <key>WorkingDirectory</key>
  <string>{{.DataDir}}</string>
</dict>
</plist>
`))

var systemdTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description=customlambda function store
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve
Environment=CUSTOMLAMBDA_DATA={{.DataDir}}
Environment=CUSTOMLAMBDA_API_ADDR={{.APIAddr}}
Environment=CUSTOMLAMBDA_BACKEND={{.Backend}}
WorkingDirectory={{.DataDir}}
KillSignal=SIGTERM
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogDir}}/customlambda.log
StandardError=append:{{.LogDir}}/customlambda.err

[Install]
WantedBy=default.target
`))

func (c ServiceConfig) platform() (string, error) {
	if c.Platform != "" {
		return c.Platform, nil
	}
	switch runtime.GOOS {
	case "darwin":
		return PlatformLaunchd, nil
	case "linux":
		return PlatformSystemd, nil
	}
	return "", fmt.Errorf("unsupported platform: %s (use macOS or Linux)", runtime.GOOS)
}

func (c ServiceConfig) servicePath(platform string) (string, error) {
	home := c.Home
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
	}
	if platform == PlatformLaunchd {
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	}
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
}

// Render produces the service file for the configured platform.
func Render(cfg ServiceConfig) (string, error) {
	platform, err := cfg.platform()
	if err != nil {
		return "", err
	}
	tmpl := systemdTmpl
	switch platform {
	case PlatformLaunchd:
		tmpl = launchdTmpl
	case PlatformSystemd:
	default:
		return "", fmt.Errorf("unknown service platform %q", platform)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		ServiceConfig
		Label  string
		LogDir string
	}{cfg, launchdLabel, filepath.Join(cfg.DataDir, "logs")})
	if err != nil {
		return "", fmt.Errorf("render %s service: %w", platform, err)
	}
	return buf.String(), nil
}

// Install writes the service file and the log directory.
func Install(cfg ServiceConfig) (*InstallResult, error) {
	platform, err := cfg.platform()
	if err != nil {
		return nil, err
	}
	body, err := Render(cfg)
	if err != nil {
		return nil, err
	}
	path, err := cfg.servicePath(platform)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(path), filepath.Join(cfg.DataDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("write service file: %w", err)
	}

	res := &InstallResult{ServiceFile: path, Platform: platform}
	if platform == PlatformLaunchd {
		res.Instructions = fmt.Sprintf("Start: launchctl load %s\nStop:  launchctl unload %s", path, path)
	} else {
		res.Instructions = "Enable: systemctl --user daemon-reload && systemctl --user enable --now customlambda\n" +
			"Logs:   journalctl --user -u customlambda -f"
	}
	return res, nil
}

// Uninstall removes the service file.
func Uninstall(cfg ServiceConfig) (*InstallResult, error) {
	platform, err := cfg.platform()
	if err != nil {
		return nil, err
	}
	path, err := cfg.servicePath(platform)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("service not installed (no file at %s)", path)
		}
		return nil, fmt.Errorf("remove service file: %w", err)
	}
	res := &InstallResult{ServiceFile: path, Platform: platform}
	if platform == PlatformLaunchd {
		res.Instructions = "If the service was running, also run: launchctl unload " + path
	} else {
		res.Instructions = "Also run: systemctl --user disable customlambda && systemctl --user daemon-reload"
	}
	return res, nil
}
