package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Kite Terminal Configuration
# Credentials are read from KITE_API_KEY, KITE_ACCESS_TOKEN and TERMINAL_API_TOKEN.

[feed]
# Feed transport: "kite" (Kite ticker) or "gateway" (JSON websocket gateway)
transport = "kite"
gateway_url = "ws://localhost:8080/feed"
# Reconnect backoff; retries never stop
reconnect_initial_delay = "1s"
reconnect_max_delay = "30s"
reconnect_factor = 2.0
connect_timeout = "15s"

[snapshot]
# Snapshot source used to seed the cache: "backend" or "kite"
source = "backend"
timeout = "3s"

[display]
# Projector cadences, between 50ms (20 Hz) and 200ms (5 Hz)
critical_interval = "50ms"
standard_interval = "100ms"
background_interval = "200ms"
# Records older than this render as stale
stale_after = "10s"

[pricing]
# Brokerage per side, in percent of traded value
brokerage_rate_percent = 0.01
# P&L mode: "entry-only" or "round-trip"
mode = "entry-only"
# Exit markup: BUY exits lower, SELL exits higher
jobbing_percent = 0.0

[backend]
base_url = "http://localhost:8080/api"
request_timeout = "5s"
# Funds source: "backend" or "kite"
funds_source = "backend"

[journal]
enabled = true
# Defaults to journal.db in the config directory
path = ""

[metrics]
enabled = false
listen_addr = "127.0.0.1:9108"

[market]
# Exchange holidays (IST dates); reopening a position outside market hours needs --privileged
holidays = []

[log]
level = "info"
console = true
file = true
file_path = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
