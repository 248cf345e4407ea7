package serialmux

import (
	"context"
	"math"

	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/protocol"
)

// TelemetrySink receives decoded gimbal reports in radians.
type TelemetrySink interface {
	UpdateGimbal(yaw, pitch, yawVelocity, pitchVelocity float64)
}

// HandleTelemetry validates one report and forwards it to sink. Reports
// with non-finite values are dropped.
func HandleTelemetry(sink TelemetrySink, t protocol.GimbalTelemetry) bool {
	yaw, pitch, yv, pv := t.Radians()
	for _, v := range [4]float64{yaw, pitch, yv, pv} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			monitoring.Debugf("serial: dropping non-finite telemetry %+v", t)
			return false
		}
	}
	sink.UpdateGimbal(yaw, pitch, yv, pv)
	return true
}

// FeedTelemetry subscribes to mux and forwards every report to sink until
// ctx is done or the mux closes the subscription.
func FeedTelemetry(ctx context.Context, mux SerialMuxInterface, sink TelemetrySink) {
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			HandleTelemetry(sink, t)
		}
	}
}
