// Package persist implements the operational-database sink (sps_visit /
// sps_exposure rows, via PostgresSink) and the pfsConfig FITS-path fallback
// lookup (DesignLookup) used when a visit's design can't be resolved from
// the database.
package persist

import (
	"context"
	"time"
)

// ExposureRecord is one row of the sps_exposure table, shared by both the
// CCD and IR detector threads since both persist to the same table.
type ExposureRecord struct {
	PfsVisitID     int
	SpsCameraID    int
	ExpTime        float64
	TimeExpStart   time.Time
	TimeExpEnd     time.Time
	BeamConfigDate float64
}

// VisitRecord is one row of the sps_visit table.
type VisitRecord struct {
	PfsVisitID int
	ExpType    string
}

// ExposureSink is the storage interface a detector thread reports a
// completed exposure to.
type ExposureSink interface {
	InsertExposure(ctx context.Context, rec ExposureRecord) error
}

// VisitSink records the sps_visit row an exposure creates on submit.
type VisitSink interface {
	InsertVisit(ctx context.Context, rec VisitRecord) error
}
