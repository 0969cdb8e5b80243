package meshnet

import (
	"log/slog"
)

// AuditLogger writes structured audit events for security-relevant
// overlay actions. All methods are nil-safe: calling any method on a
// nil *AuditLogger is a no-op, so callers skip nil checks.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given
// handler. Events are grouped under "audit" for easy filtering.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// PeerDisconnected logs a forceful disconnect of a misbehaving peer.
func (a *AuditLogger) PeerDisconnected(peerID, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("peer_disconnected",
		"peer", peerID,
		"reason", reason,
	)
}

// MessageRejected logs a gossip-level rejection verdict.
func (a *AuditLogger) MessageRejected(peerID, topic string) {
	if a == nil {
		return
	}
	a.logger.Info("message_rejected",
		"peer", peerID,
		"topic", topic,
	)
}

// DialResult logs the outcome of a dial attempt.
func (a *AuditLogger) DialResult(addr string, err error) {
	if a == nil {
		return
	}
	if err != nil {
		a.logger.Info("dial_failed", "addr", addr, "error", err)
		return
	}
	a.logger.Info("dial_ok", "addr", addr)
}
