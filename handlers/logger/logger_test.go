package logger_test

import (
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/securechan/securechan/handlers/logger"
	"github.com/securechan/securechan/model"
)

func TestOnMeasurement(t *testing.T) {
	saver := memory.New()
	apex := &log.Logger{Handler: saver, Level: log.DebugLevel}
	handler := logger.NewHandler(apex)
	handler.OnMeasurement(model.Measurement{
		Resolve: &model.ResolveEvent{Hostname: "example.com"},
	})
	handler.OnMeasurement(model.Measurement{
		Connect: &model.ConnectEvent{ConnID: 1},
	})
	handler.OnMeasurement(model.Measurement{
		HandshakeStart: &model.HandshakeStartEvent{ConnID: 1},
	})
	handler.OnMeasurement(model.Measurement{
		Trust: &model.TrustEvent{
			ConnID:  1,
			Outcome: model.OutcomeRecoverableFailure,
		},
	})
	handler.OnMeasurement(model.Measurement{
		HandshakeDone: &model.HandshakeDoneEvent{ConnID: 1, Established: true},
	})
	handler.OnMeasurement(model.Measurement{
		Read:  &model.ReadEvent{ConnID: 1, NumBytes: 128},
		Write: &model.WriteEvent{ConnID: 1, NumBytes: 128},
	})
	handler.OnMeasurement(model.Measurement{
		Close: &model.CloseEvent{ConnID: 1},
	})
	if len(saver.Entries) != 8 {
		t.Fatal("unexpected number of log entries", len(saver.Entries))
	}
}
