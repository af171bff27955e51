package etc

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
)

type BridgeConf struct {
	AppName  string `json:"app_name"`
	LogLevel string `json:"log_level"`

	Snap SnapConf `json:"snap"`
}

type SnapConf struct {
	// ChunkBytes bounds the uncompressed payload of one snapshot chunk.
	ChunkBytes int `json:"chunk_bytes"`
	// Workers is the number of dedicated snapshot worker goroutines; bulk
	// transfers never run on raft processing threads.
	Workers int `json:"workers"`
	// AckTimeoutMs bounds the wait for the engine's final apply
	// acknowledgement.
	AckTimeoutMs int `json:"ack_timeout_ms"`
}

func MakeDefaultConfig() BridgeConf {
	return BridgeConf{
		AppName:  "enginebridge",
		LogLevel: "info",
		Snap: SnapConf{
			ChunkBytes:   1024 * 1024,
			Workers:      2,
			AckTimeoutMs: 30000,
		},
	}
}

func ParseBridgeConf(confPath string) BridgeConf {
	confBytes, err := os.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
