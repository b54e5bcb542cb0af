package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  host: 0.0.0.0
  port: 7661
  health_check_port: 9090
  storage_path: /var/lib/bridge/pending
  max_pending_days: 14
isup:
  strict_crc: true
  idle_timeout_seconds: 45
isapi:
  port: 8088
  webhook_secret: s3cret
  webhook_base_url: http://bridge.example:8088
  event_types: [AccessControllerEvent]
  success_minor_types: ["1", "75"]
features:
  auto_configure_terminals: true
tenants:
  acme:
    upstream_url: http://acme.example/events
    auth:
      kind: bearer
      token: tok123
    object_id: obj-1
  globex:
    upstream_url: http://globex.example/events
    auth:
      kind: basic
      username: svc
      password: pw
objects:
  - name: hq
    terminals:
      - ip: 10.0.0.20
        port: 80
        mac: AA:BB:CC:DD:EE:01
        username: admin
        password: pass
        tenant: acme
  - name: warehouse
    terminals:
      - ip: 10.0.0.21
        mac: AA:BB:CC:DD:EE:02
        tenant: globex
hikvision:
  devices:
    - ip: 10.0.0.30
      name: gate-cam
      username: admin
      password: pass
      mode: alert_stream
  callback:
    path: /hikvision/callback
    secret: cb-secret
  allowed_device_ids: ["AA:BB:CC:DD:EE:01"]
events:
  redis_addr: 127.0.0.1:6379
  redis_channel: access.events
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7661, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.HealthCheckPort)
	assert.Equal(t, 14, cfg.Server.MaxPendingDays)
	assert.True(t, cfg.ISUP.StrictCRC)
	assert.Equal(t, 45, cfg.ISUP.IdleTimeoutSeconds)
	assert.Equal(t, []string{"1", "75"}, cfg.ISAPI.SuccessMinorTypes)
	assert.True(t, cfg.Features.AutoConfigureTerminals)

	require.Contains(t, cfg.Tenants, "acme")
	assert.Equal(t, "tok123", cfg.Tenants["acme"].Auth.Token)
	assert.Equal(t, "basic", cfg.Tenants["globex"].Auth.Kind)

	terminals := cfg.Terminals()
	require.Len(t, terminals, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", terminals[1].MAC)
	assert.Equal(t, "globex", terminals[1].Tenant)

	require.Len(t, cfg.Hikvision.Devices, 1)
	assert.Equal(t, "alert_stream", cfg.Hikvision.Devices[0].Mode)
	assert.Equal(t, "cb-secret", cfg.Hikvision.Callback.Secret)
	assert.Equal(t, "127.0.0.1:6379", cfg.Events.RedisAddr)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "server:\n  log_level: info\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7661, cfg.Server.Port)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.Equal(t, "pending_events", cfg.Server.StoragePath)
	assert.Equal(t, 30, cfg.Server.MaxPendingDays)
	assert.Equal(t, 30, cfg.ISUP.IdleTimeoutSeconds)
	assert.Equal(t, 8088, cfg.ISAPI.Port)
	assert.Equal(t, "/ISAPI/Event/notification/alert", cfg.ISAPI.WebhookPath)
	assert.Equal(t, []string{"AccessControllerEvent"}, cfg.ISAPI.EventTypes)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)
}
