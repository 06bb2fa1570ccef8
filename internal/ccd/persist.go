package ccd

import (
	"github.com/Subaru-PFS/ics-spsActor/internal/persist"
)

// ExposureRecord is an alias for the shared sps_exposure row shape (§6),
// used by both the CCD and IR detector threads.
type ExposureRecord = persist.ExposureRecord

// Persister is the storage sink a detector reports a completed exposure to.
type Persister = persist.ExposureSink
