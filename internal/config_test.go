package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-typing-race/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig 測試預設值
func TestDefaultConfig(t *testing.T) {
	cfg := internal.DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Matchmaking.MaxLobbySize)
	assert.Equal(t, 5*time.Second, cfg.Matchmaking.EvictionDelay)
	assert.Equal(t, 20*time.Second, cfg.Matchmaking.InactivityTimeout)
	assert.Equal(t, 10*time.Second, cfg.Room.Countdown)
	assert.Equal(t, 60*time.Second, cfg.Room.InactivityDuration)
	assert.Equal(t, "auth_token", cfg.Auth.CookieName)

	// 沒有密鑰不能啟動
	assert.Error(t, cfg.Validate())

	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

// TestLoadConfig 測試載入順序
func TestLoadConfig(t *testing.T) {
	writeFile := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	tests := []struct {
		name     string
		path     func(t *testing.T) string
		env      map[string]string
		wantErr  bool
		validate func(t *testing.T, cfg *internal.Config)
	}{
		{
			name: "yaml overrides defaults",
			path: func(t *testing.T) string {
				return writeFile(t, `
server:
  port: 9090
auth:
  jwt_secret: from-file
matchmaking:
  max_lobby_size: 3
  eviction_delay: 2s
room:
  inactivity_duration: 90s
`)
			},
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
				assert.Equal(t, 3, cfg.Matchmaking.MaxLobbySize)
				assert.Equal(t, 2*time.Second, cfg.Matchmaking.EvictionDelay)
				assert.Equal(t, 90*time.Second, cfg.Room.InactivityDuration)
				// 未設定的欄位保留預設值
				assert.Equal(t, 20*time.Second, cfg.Matchmaking.InactivityTimeout)
			},
		},
		{
			name: "env overrides yaml",
			path: func(t *testing.T) string {
				return writeFile(t, "server:\n  port: 9090\nauth:\n  jwt_secret: from-file\n")
			},
			env: map[string]string{
				"PORT":       "7070",
				"LOG_LEVEL":  "debug",
				"JWT_SECRET": "from-env",
			},
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
			},
		},
		{
			name: "missing file keeps defaults",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope.yaml")
			},
			env: map[string]string{"JWT_SECRET": "s"},
			validate: func(t *testing.T, cfg *internal.Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
			},
		},
		{
			name: "invalid yaml",
			path: func(t *testing.T) string {
				return writeFile(t, "server: [")
			},
			wantErr: true,
		},
		{
			name: "invalid PORT",
			path: func(t *testing.T) string {
				return writeFile(t, "auth:\n  jwt_secret: x\n")
			},
			env:     map[string]string{"PORT": "eighty"},
			wantErr: true,
		},
		{
			name: "lobby too small",
			path: func(t *testing.T) string {
				return writeFile(t, "auth:\n  jwt_secret: x\nmatchmaking:\n  max_lobby_size: 1\n")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"PORT", "LOG_LEVEL", "LOG_FORMAT", "JWT_SECRET"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := internal.LoadConfig(tt.path(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}
