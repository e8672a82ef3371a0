// Package core defines the packet model shared by every pipeline stage.
package core

import "time"

// CaptureSource tells where a raw frame was captured.
type CaptureSource string

const (
	// SourceAcquisition is passive capture on a monitored interface.
	SourceAcquisition CaptureSource = "acquisition"
	// SourceEngagement is capture belonging to an active engagement.
	SourceEngagement CaptureSource = "engagement"
)

// RawFrame is an undecoded link-layer frame as delivered by a capture.
type RawFrame struct {
	Data          []byte
	InterfaceName string
	Source        CaptureSource
	Timestamp     time.Time
}

// Size returns the frame length in bytes.
func (f *RawFrame) Size() int {
	return len(f.Data)
}
