package config

import (
	"fmt"
	"os"
)

// Template is a commented btpmux.toml with every section present.
func Template() string { return template }

// WriteTemplate writes Template to path, refusing to replace an existing file
// unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `listen = ":7768"
path = "/"
# regular expressions matched against the Origin header of browser clients
allowed_origins = ["^https?://localhost(:[0-9]+)?$"]
# username | hash_token | username_or_hash_token; empty picks from the store driver
account_mode = ""
currency_scale = 9
limit = "0"
unlimited_balances = false

# answer ILDCP locally instead of asking an upstream
[host]
address = "private.btpmux"
asset_code = "XRP"
asset_scale = 9

[session]
request_timeout = "5s"
handshake_timeout = "10s"
read_timeout = "60s"
write_timeout = "10s"
ping_interval = "20s"
max_message_bytes = 1048576
queue_depth = 256
expiry_sweep_interval = "1s"
expiry_grace = "5s"
security_mode = "development"

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
max_attempts = 8

[tls]
enabled = false
cert_file = ""
key_file = ""
ca_file = ""
mutual = false

# driver: none | memory | postgres | etcd
[store]
driver = "memory"
dsn = ""
table = "btpmux_kv"
endpoints = []
prefix = "/btpmux/v1/"
dial_timeout = "5s"

[ledger]
book = "memory"

[admin]
listen = "127.0.0.1:7769"
secret = ""
issuer = "btpmux"

[nats]
url = ""
subject_prefix = "btpmux.events"
stream = "BTPMUX_EVENTS"
buffer = 1024

[log]
level = "info"
`
