package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindServer = "server"
	KindClient = "client"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		return serverTemplate, nil
	case KindClient:
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "flightctl"
addr = ":9400"
cors_origins = ["http://localhost:3000"]
# auth_token = "change-me"
module_root = "app/"
request_timeout = "10s"
poll_interval = "1s"
max_frame_bytes = 16777216

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""

[bridge]
security_mode = "development"
heartbeat_interval = "5s"
read_timeout = "15s"
write_timeout = "10s"
`

const clientTemplate = `url = "ws://localhost:9400/bridge"
peer = "flightctl-cli"
# auth_token = "change-me"
request_timeout = "10s"
poll_interval = "1s"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""

[bridge]
security_mode = "development"
backoff_initial = "250ms"
backoff_max = "5s"
max_attempts = 5
`
