//go:build mdns

package main

import (
	"log/slog"

	"agentbridge/internal/usecase/peer"
)

func buildLAN(logger *slog.Logger) lanService {
	return peer.NewMDNS(logger)
}
