package cmdsurface

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/exposure"
	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
)

// parsedLine is a tokenized command line: the first word names the command
// family (expose, exposure, erase, ...), the second (when present) its
// subtype, and the rest is a bag of positional values, key=value pairs and
// @flags in no particular order — this surface's vocabulary is deliberately
// small, so a single permissive scanner covers all of it.
type parsedLine struct {
	family     string
	subtype    string
	positional []string
	kv         map[string]string
	flags      map[string]bool
}

func parseLine(line string) (parsedLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return parsedLine{}, fmt.Errorf("cmdsurface: empty command")
	}

	p := parsedLine{family: fields[0], kv: map[string]string{}, flags: map[string]bool{}}
	rest := fields[1:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") && !strings.HasPrefix(rest[0], "@") {
		p.subtype = rest[0]
		rest = rest[1:]
	}

	for _, tok := range rest {
		switch {
		case strings.HasPrefix(tok, "@"):
			p.flags[strings.TrimPrefix(tok, "@")] = true
		case strings.Contains(tok, "="):
			parts := strings.SplitN(tok, "=", 2)
			p.kv[parts[0]] = parts[1]
		default:
			p.positional = append(p.positional, tok)
		}
	}
	return p, nil
}

// exposeRequest builds an exposure.Request from a parsed "expose <subtype>
// ..." line, per §6.1's grammar table: bias carries no exptime, only an
// optional positional visit; dark/object/flat/arc/domeflat carry a required
// positional exptime, optionally followed by a positional visit.
func (p parsedLine) exposeRequest() (exposure.Request, error) {
	req := exposure.Request{ExpType: p.subtype}

	positional := append([]string(nil), p.positional...)
	if p.subtype != "bias" {
		if len(positional) == 0 {
			return exposure.Request{}, fmt.Errorf("cmdsurface: %s requires an exptime argument", p.subtype)
		}
		secs, err := strconv.ParseFloat(positional[0], 64)
		if err != nil {
			return exposure.Request{}, fmt.Errorf("cmdsurface: invalid exptime %q: %w", positional[0], err)
		}
		req.ExpTime = time.Duration(secs * float64(time.Second))
		positional = positional[1:]
	}

	if v, ok := p.kv["visit"]; ok {
		visit, err := strconv.Atoi(v)
		if err != nil {
			return exposure.Request{}, fmt.Errorf("cmdsurface: invalid visit %q: %w", v, err)
		}
		req.Visit = visit
	} else if len(positional) > 0 {
		if visit, err := strconv.Atoi(positional[0]); err == nil {
			req.Visit = visit
			positional = positional[1:]
		}
	}

	cams, err := parseCams(p.kv)
	if err != nil {
		return exposure.Request{}, err
	}
	req.Cams = cams

	req.DoTest = p.flags["doTest"]
	req.DoScienceCheck = p.flags["doScienceCheck"] || p.kv["doScienceCheck"] == "true"
	req.DoIIS = p.flags["doIIS"] || p.kv["doIIS"] == "true"
	req.DoLamps = p.flags["doLamps"] || p.kv["doLamps"] == "true"
	req.DoShutterTiming = p.flags["doShutterTiming"] || p.kv["doShutterTiming"] == "true"
	req.DoSlideSlit = p.flags["slideSlit"] || p.kv["slideSlit"] == "true"
	req.LightSource = p.kv["lightSource"]

	return req, nil
}

func parseCams(kv map[string]string) ([]ids.Camera, error) {
	if csv, ok := kv["cams"]; ok {
		return ids.ParseCameras(strings.Split(csv, ","))
	}
	if one, ok := kv["cam"]; ok {
		cam, err := ids.ParseCamera(one)
		if err != nil {
			return nil, err
		}
		return []ids.Camera{cam}, nil
	}
	return nil, nil
}

func (p parsedLine) visitArg() (int, error) {
	if len(p.positional) == 0 {
		return 0, fmt.Errorf("cmdsurface: %s %s requires a visit id", p.family, p.subtype)
	}
	return strconv.Atoi(p.positional[0])
}
