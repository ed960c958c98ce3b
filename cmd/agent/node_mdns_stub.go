//go:build !mdns

package main

import (
	"log/slog"

	"agentbridge/internal/usecase/peer"
)

func buildLAN(logger *slog.Logger) lanService {
	logger.Warn("peers.mdns is set but this binary was built without the mdns tag")
	return peer.NewNoopLAN()
}
