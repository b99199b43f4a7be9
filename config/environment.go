package config

import (
	"fmt"
	"strings"
)

const networkEnvVar = "TRADER_NETWORK"

const (
	// EnvironmentSandbox is the exchange test network.
	EnvironmentSandbox = "sandbox"
	// EnvironmentProduction is the live exchange.
	EnvironmentProduction = "production"
)

var environmentAliases = map[string]string{
	"":           EnvironmentSandbox,
	"test":       EnvironmentSandbox,
	"testnet":    EnvironmentSandbox,
	"sandbox":    EnvironmentSandbox,
	"prod":       EnvironmentProduction,
	"production": EnvironmentProduction,
	"live":       EnvironmentProduction,
	"mainnet":    EnvironmentProduction,
}

// Endpoints is the fixed REST and websocket base pair of one network.
type Endpoints struct {
	REST      string
	WebSocket string
}

var networkEndpoints = map[string]Endpoints{
	EnvironmentSandbox: {
		REST:      "https://testnet.binance.vision",
		WebSocket: "wss://stream.testnet.binance.vision/ws",
	},
	EnvironmentProduction: {
		REST:      "https://api.binance.com",
		WebSocket: "wss://stream.binance.com:9443/ws",
	},
}

func normalizeEnvironment(env string) (string, error) {
	canonical, ok := environmentAliases[strings.ToLower(strings.TrimSpace(env))]
	if !ok {
		return "", fmt.Errorf("network.environment '%s' is invalid", env)
	}
	return canonical, nil
}

// Endpoints returns the URL pair of the configured network. Both URLs always
// belong to the same environment.
func (n NetworkConfig) Endpoints() Endpoints {
	env, err := normalizeEnvironment(n.Environment)
	if err != nil {
		env = EnvironmentSandbox
	}
	return networkEndpoints[env]
}

// IsProduction reports whether orders reach the live exchange.
func (n NetworkConfig) IsProduction() bool {
	env, err := normalizeEnvironment(n.Environment)
	return err == nil && env == EnvironmentProduction
}
