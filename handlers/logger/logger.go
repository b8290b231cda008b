// Package logger is a handler that emits logs
package logger

import (
	"github.com/apex/log"
	"github.com/securechan/securechan/model"
)

var outcomeName = map[model.Outcome]string{
	model.OutcomeProceed:            "proceed",
	model.OutcomeUnspecified:        "unspecified",
	model.OutcomeRecoverableFailure: "recoverable_failure",
	model.OutcomeOtherFailure:       "other_failure",
}

// Handler is a handler that logs events.
type Handler struct {
	logger log.Interface
}

// NewHandler returns a new logging handler.
func NewHandler(logger log.Interface) *Handler {
	return &Handler{logger: logger}
}

// OnMeasurement logs the specific measurement
func (h *Handler) OnMeasurement(m model.Measurement) {
	// DNS
	if m.Resolve != nil {
		h.logger.WithFields(log.Fields{
			"addresses":  m.Resolve.Addresses,
			"blockedFor": m.Resolve.Duration,
			"elapsed":    m.Resolve.Time,
			"error":      m.Resolve.Error,
			"hostname":   m.Resolve.Hostname,
		}).Debug("dns: resolution done")
	}

	// Syscalls
	if m.Connect != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor":    m.Connect.Duration,
			"connID":        m.Connect.ConnID,
			"elapsed":       m.Connect.Time,
			"error":         m.Connect.Error,
			"localAddress":  m.Connect.LocalAddress,
			"network":       m.Connect.Network,
			"remoteAddress": m.Connect.RemoteAddress,
		}).Debug("net: connect done")
	}
	if m.Read != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Read.Duration,
			"connID":     m.Read.ConnID,
			"elapsed":    m.Read.Time,
			"error":      m.Read.Error,
			"numBytes":   m.Read.NumBytes,
		}).Debug("net: read done")
	}
	if m.Write != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Write.Duration,
			"connID":     m.Write.ConnID,
			"elapsed":    m.Write.Time,
			"error":      m.Write.Error,
			"numBytes":   m.Write.NumBytes,
		}).Debug("net: write done")
	}
	if m.Close != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Close.Duration,
			"connID":     m.Close.ConnID,
			"elapsed":    m.Close.Time,
		}).Debug("net: close done")
	}

	// Handshake and trust
	if m.HandshakeStart != nil {
		h.logger.WithFields(log.Fields{
			"connID":   m.HandshakeStart.ConnID,
			"elapsed":  m.HandshakeStart.Time,
			"hostname": m.HandshakeStart.Hostname,
		}).Debug("secure: start handshake")
	}
	if m.HandshakeDone != nil {
		h.logger.WithFields(log.Fields{
			"connID":      m.HandshakeDone.ConnID,
			"elapsed":     m.HandshakeDone.Time,
			"error":       m.HandshakeDone.Error,
			"established": m.HandshakeDone.Established,
		}).Debug("secure: handshake done")
	}
	if m.Trust != nil {
		h.logger.WithFields(log.Fields{
			"accepted":  m.Trust.Decision == model.DecisionAccept,
			"connID":    m.Trust.ConnID,
			"elapsed":   m.Trust.Time,
			"error":     m.Trust.Error,
			"escalated": m.Trust.Escalated,
			"numCerts":  m.Trust.NumCerts,
			"outcome":   outcomeName[m.Trust.Outcome],
		}).Debug("secure: trust evaluated")
	}
}
