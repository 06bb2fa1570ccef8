package persist

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/logging"
)

// DesignSource resolves (pfsDesignId, designName) from the opdb; satisfied
// by *PostgresSink. Split out from PostgresSink so DesignLookup can be
// tested against a fake.
type DesignSource interface {
	DesignIDAndName(ctx context.Context, visit int) (int64, string, error)
}

// DesignLookup implements getPfsDesignIdAndName (§6): query the database
// first, fall back to the pfsConfig FITS file on disk, and default to
// (0, "") logging a warning if neither resolves.
type DesignLookup struct {
	DB          DesignSource
	RawDataRoot string
	Log         logging.Logger
}

// Lookup returns the design id and name for visit, trying the database
// before the disk fallback, exactly as the original opdb-backed lookup did.
func (d *DesignLookup) Lookup(ctx context.Context, visit int) (int64, string) {
	if d.DB != nil {
		if id, name, err := d.DB.DesignIDAndName(ctx, visit); err == nil {
			return id, name
		}
	}
	d.warn(ctx, fmt.Sprintf("unable to find entry for pfs_config table with pfs_visit_id=%d, trying from disk", visit))

	id, name, err := d.findOnDisk(visit)
	if err != nil {
		d.warn(ctx, fmt.Sprintf("unable to find pfsConfig file matching pfs_visit_id=%d: %v", visit, err))
		return 0, ""
	}
	return id, name
}

func (d *DesignLookup) findOnDisk(visit int) (int64, string, error) {
	pattern := filepath.Join(d.RawDataRoot, "*", "pfsConfig", fmt.Sprintf("pfsConfig-*-%06d.fits", visit))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) != 1 {
		return 0, "", fmt.Errorf("expected exactly one pfsConfig file for visit %d, found %d", visit, len(matches))
	}

	id, ok, err := readPrimaryHeaderInt(matches[0], "W_PFDSGN")
	if err != nil || !ok {
		return 0, "", fmt.Errorf("read W_PFDSGN from %s: %w", matches[0], err)
	}
	name, ok, err := readPrimaryHeaderKeyword(matches[0], "W_PFDSNM")
	if err != nil || !ok {
		return 0, "", fmt.Errorf("read W_PFDSNM from %s: %w", matches[0], err)
	}
	return id, name, nil
}

func (d *DesignLookup) warn(ctx context.Context, msg string) {
	if d.Log != nil {
		d.Log.WarnCtx(ctx, msg)
	}
}

// FormatPfsDesign renders the `pfsDesign=` wire value the CCD `read` and IR
// `ramp` commands carry: a 16-hex-digit id followed by the quoted design
// name, exactly as the original ccdExposure/exposure parsePfsDesign did.
func FormatPfsDesign(id int64, name string) string {
	return fmt.Sprintf("0x%016x,%q", id, name)
}
