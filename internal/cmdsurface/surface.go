// Package cmdsurface implements the minimal line-oriented command reader
// described in §6.1: it tokenizes one command per line into the structured
// requests internal/exposure, internal/registry and internal/syncfanout
// operate on, and reports progress/outcome back to its caller. It holds no
// state of its own — every collaborator it calls into is supplied by the
// top-level facade that constructs it.
package cmdsurface

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/config"
	"github.com/Subaru-PFS/ics-spsActor/internal/exposure"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/persist"
	"github.com/Subaru-PFS/ics-spsActor/internal/registry"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
	"github.com/Subaru-PFS/ics-spsActor/internal/syncfanout"
)

// Inform is called once per informational progress line a command produces
// while it runs, ahead of the terminal OK/FAILED line.
type Inform func(format string, args ...any)

// Dispatcher wires the packages of §4 together and executes one command
// line at a time against them.
type Dispatcher struct {
	Config       *config.InstrumentConfig
	Client       remote.Client
	Keywords     *keywords.Registry
	Registry     *registry.Registry
	ExposureSink persist.ExposureSink
	VisitSink    persist.VisitSink
	LampActor    string

	// Design resolves the pfsDesign= parameter carried on the CCD read and
	// IR ramp commands (§4.5, §4.6). Left nil, no design lookup occurs and
	// the parameter is omitted entirely.
	Design *persist.DesignLookup
}

// New constructs a Dispatcher from its collaborators.
func New(cfg *config.InstrumentConfig, client remote.Client, kw *keywords.Registry, reg *registry.Registry, expSink persist.ExposureSink, visitSink persist.VisitSink, lampActor string) *Dispatcher {
	return &Dispatcher{
		Config:       cfg,
		Client:       client,
		Keywords:     kw,
		Registry:     reg,
		ExposureSink: expSink,
		VisitSink:    visitSink,
		LampActor:    lampActor,
	}
}

// Execute parses and runs one command line, emitting progress through
// inform and returning the terminal "OK <text>" / "FAILED <text>" line.
// inform may be nil.
func (d *Dispatcher) Execute(ctx context.Context, line string, inform Inform) string {
	if inform == nil {
		inform = func(string, ...any) {}
	}

	p, err := parseLine(line)
	if err != nil {
		return "FAILED " + err.Error()
	}

	switch p.family {
	case "expose":
		return d.runExpose(ctx, p, inform)
	case "exposure":
		return d.runExposureControl(p)
	case "erase":
		return d.runErase(ctx, p, inform)
	default:
		return fmt.Sprintf("FAILED unrecognized command %q", p.family)
	}
}

func (d *Dispatcher) runExpose(ctx context.Context, p parsedLine, inform Inform) string {
	switch p.subtype {
	case "bias", "dark", "object", "flat", "arc", "domeflat":
	default:
		return fmt.Sprintf("FAILED unrecognized expose subtype %q", p.subtype)
	}

	req, err := p.exposeRequest()
	if err != nil {
		return "FAILED " + err.Error()
	}

	inform("exposing visit=%d exptype=%s exptime=%.2f", req.Visit, req.ExpType, req.ExpTime.Seconds())

	pfsDesign := ""
	if d.Design != nil {
		id, name := d.Design.Lookup(ctx, req.Visit)
		pfsDesign = persist.FormatPfsDesign(id, name)
	}

	factory := func(r exposure.Request) *exposure.Exposure {
		return exposure.New(d.Config, r, d.Client, d.Keywords, d.ExposureSink, d.VisitSink, d.LampActor, pfsDesign)
	}

	res, err := d.Registry.Submit(ctx, req, factory)
	if err != nil {
		return "FAILED " + err.Error()
	}
	if res.Failures != "" {
		return "FAILED " + res.Failures
	}
	return "OK fileIds=" + res.FileIDs
}

func (d *Dispatcher) runExposureControl(p parsedLine) string {
	switch p.subtype {
	case "abort":
		visit, err := p.visitArg()
		if err != nil {
			return "FAILED " + err.Error()
		}
		if err := d.Registry.Abort(visit); err != nil {
			return "FAILED " + err.Error()
		}
		return "OK aborting"
	case "finish":
		visit, err := p.visitArg()
		if err != nil {
			return "FAILED " + err.Error()
		}
		if err := d.Registry.Finish(visit); err != nil {
			return "FAILED " + err.Error()
		}
		return "OK finishing"
	case "status":
		lines := d.Registry.Status()
		if len(lines) == 0 {
			return "OK no active exposures"
		}
		return "OK " + strings.Join(lines, "; ")
	default:
		return fmt.Sprintf("FAILED unrecognized exposure subcommand %q", p.subtype)
	}
}

// runErase fans out `ccd_<cam> erase` to every named camera (§6's `erase`
// command), using the Sync fan-out primitive of §4.4.
func (d *Dispatcher) runErase(ctx context.Context, p parsedLine, inform Inform) string {
	cams, err := parseCams(p.kv)
	if err != nil {
		return "FAILED " + err.Error()
	}
	if len(cams) == 0 {
		return "FAILED erase requires cam= or cams="
	}

	timeLim := time.Duration(d.Config.Timeouts.Wipe * float64(time.Second))
	threads := make([]*syncfanout.CmdThread, 0, len(cams))
	for _, cam := range cams {
		threads = append(threads, &syncfanout.CmdThread{
			ActorName: "ccd_" + cam.String(),
			CmdStr:    "erase",
			TimeLim:   timeLim,
		})
	}

	sync := syncfanout.New(d.Client, inform, threads...)
	if err := sync.Process(ctx); err != nil {
		return "FAILED " + err.Error()
	}
	return "OK erased"
}
