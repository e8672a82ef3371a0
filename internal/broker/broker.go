// Package broker decodes raw capture frames and republishes typed packets
// onto the bus.
package broker

import (
	"errors"

	"firestige.xyz/tap/internal/core"
	"firestige.xyz/tap/internal/metrics"
)

// dropReason maps a decode error to the label recorded in
// tap_broker_drops_total.
func dropReason(err error) string {
	switch {
	case errors.Is(err, core.ErrFiltered):
		return "filtered"
	case errors.Is(err, core.ErrBadFCS):
		return "bad_fcs"
	case errors.Is(err, core.ErrUnknownFrequency):
		return "unknown_frequency"
	case errors.Is(err, core.ErrMalformedRadiotap):
		return "malformed_radiotap"
	case errors.Is(err, core.ErrTruncated):
		return "truncated"
	case errors.Is(err, core.ErrUnsupportedEtherType):
		return "unsupported_ethertype"
	case errors.Is(err, core.ErrUnsupportedProtocol):
		return "unsupported_protocol"
	case errors.Is(err, core.ErrChannelFull), errors.Is(err, core.ErrChannelClosed):
		return "channel"
	default:
		return "other"
	}
}

func recordDrop(broker string, err error) {
	metrics.BrokerDropsTotal.WithLabelValues(broker, dropReason(err)).Inc()
}
