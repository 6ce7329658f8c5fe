// Package daemon installs swarmd as a background service: a systemd unit
// on Linux, a launchd agent on macOS.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// Config holds the parameters rendered into the service definition.
type Config struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	LogDir     string
	HomeDir    string
}

// Status reports the state of an installed service.
type Status struct {
	Running bool
	PID     int
}

// DefaultConfig returns a Config with auto-detected defaults rooted under
// the invoking user's ~/.swarmd.
func DefaultConfig() Config {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/swarmd"
	}

	username := "root"
	homeDir := "/root"
	if u, err := user.Current(); err == nil {
		username = u.Username
		homeDir = u.HomeDir
	}

	base := filepath.Join(homeDir, ".swarmd")
	return Config{
		Name:       "swarmd",
		BinaryPath: binary,
		ConfigPath: filepath.Join(base, "config.yaml"),
		WorkDir:    base,
		User:       username,
		LogDir:     filepath.Join(base, "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks that the config points at an installable binary.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

// Install registers and starts the service on the current platform.
func Install(cfg Config) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops and removes the service on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Query returns the service status on the current platform.
func Query(name string) (*Status, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, text string, cfg Config) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func ensureDirs(cfg Config) error {
	for _, dir := range []string{cfg.LogDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// --- systemd ---

const systemdUnit = `[Unit]
Description={{.Name}} swarm orchestration daemon
After=network.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} -config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogDir}}/{{.Name}}.log
StandardError=append:{{.LogDir}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg Config) (string, error) {
	return render("systemd", systemdUnit, cfg)
}

func installSystemd(cfg Config) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := ensureDirs(cfg); err != nil {
		return err
	}

	unitPath := filepath.Join("/etc/systemd/system", cfg.Name+".service")
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", cfg.Name},
		{"systemctl", "start", cfg.Name},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	// Best effort: the unit may already be stopped or disabled.
	exec.Command("systemctl", "stop", name).Run()
	exec.Command("systemctl", "disable", name).Run()
	os.Remove(filepath.Join("/etc/systemd/system", name+".service"))
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*Status, error) {
	out, err := exec.Command("systemctl", "is-active", name).Output()
	running := strings.TrimSpace(string(out)) == "active"
	if err != nil && !running {
		return &Status{}, nil
	}

	status := &Status{Running: running}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		if _, value, found := strings.Cut(strings.TrimSpace(string(pidOut)), "="); found {
			status.PID, _ = strconv.Atoi(value)
		}
	}
	return status, nil
}

// --- launchd ---

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>io.swarmd.{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>-config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg Config) (string, error) {
	return render("launchd", launchdPlist, cfg)
}

func installLaunchd(cfg Config) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	if err := ensureDirs(cfg); err != nil {
		return err
	}

	label := "io.swarmd." + cfg.Name
	plistPath := filepath.Join(cfg.HomeDir, "Library", "LaunchAgents", label+".plist")
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if out, err := exec.Command("launchctl", "load", plistPath).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", "io.swarmd."+name+".plist")
	exec.Command("launchctl", "unload", plistPath).Run()
	os.Remove(plistPath)
	return nil
}

func statusLaunchd(name string) (*Status, error) {
	out, err := exec.Command("launchctl", "list", "io.swarmd."+name).CombinedOutput()
	if err != nil {
		return &Status{}, nil
	}

	status := &Status{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "PID") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				status.PID, _ = strconv.Atoi(fields[len(fields)-1])
			}
		}
	}
	return status, nil
}
