package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "poolrepd":
		return daemonTemplate, nil
	case "client", "poolrepctl":
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

const daemonTemplate = `node_id = "poolrepd"
listen = ":7400"
admin = "127.0.0.1:7480"
max_lanes = 16
cors_origins = ["http://localhost:3000"]

[storage]
# dir = "/var/lib/poolrep"
capacity = "1G"

[transport]
security_mode = "development"
handshake_timeout = "5s"
read_timeout = "5m"
write_timeout = "15s"

[transport.tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
`

const clientTemplate = `address = "127.0.0.1:7400"
admin = "http://127.0.0.1:7480"
lanes = 4
ack_timeout = "10s"
security_mode = "development"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
`
