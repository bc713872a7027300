package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceConfig(t *testing.T, platform string) ServiceConfig {
	return ServiceConfig{
		BinaryPath: "/usr/local/bin/customlambda",
		DataDir:    "/home/user/.customlambda",
		APIAddr:    "127.0.0.1:9090",
		Backend:    "sqlite",
		Platform:   platform,
		Home:       t.TempDir(),
	}
}

func TestRender_Launchd(t *testing.T) {
	cfg := testServiceConfig(t, PlatformLaunchd)
	plist, err := Render(cfg)
	require.NoError(t, err)
	for _, want := range []string{
		cfg.BinaryPath,
		"<string>serve</string>",
		launchdLabel,
		"<key>CUSTOMLAMBDA_DATA</key>",
		"<string>sqlite</string>",
		"/home/user/.customlambda/logs/customlambda.log",
	} {
		assert.Contains(t, plist, want)
	}
}

func TestRender_Systemd(t *testing.T) {
	cfg := testServiceConfig(t, PlatformSystemd)
	unit, err := Render(cfg)
	require.NoError(t, err)
	for _, want := range []string{
		"ExecStart=/usr/local/bin/customlambda serve",
		"Environment=CUSTOMLAMBDA_API_ADDR=127.0.0.1:9090",
		"Environment=CUSTOMLAMBDA_BACKEND=sqlite",
		"KillSignal=SIGTERM",
		"WantedBy=default.target",
	} {
		assert.Contains(t, unit, want)
	}
}

func TestRender_UnknownPlatform(t *testing.T) {
	_, err := Render(testServiceConfig(t, "upstart"))
	assert.Error(t, err)
}

func TestInstallUninstall(t *testing.T) {
	for _, platform := range []string{PlatformLaunchd, PlatformSystemd} {
		t.Run(platform, func(t *testing.T) {
			cfg := testServiceConfig(t, platform)
			cfg.DataDir = filepath.Join(t.TempDir(), "data")

			res, err := Install(cfg)
			require.NoError(t, err)
			assert.Equal(t, platform, res.Platform)
			assert.Contains(t, res.ServiceFile, cfg.Home)
			assert.DirExists(t, filepath.Join(cfg.DataDir, "logs"))
			body, err := os.ReadFile(res.ServiceFile)
			require.NoError(t, err)
			assert.Contains(t, string(body), cfg.DataDir)

			_, err = Uninstall(cfg)
			require.NoError(t, err)
			assert.NoFileExists(t, res.ServiceFile)
			_, err = Uninstall(cfg)
			assert.Error(t, err, "second uninstall")
		})
	}
}
