// Package ids provides canonical conversions between camera names, arm
// letters, spectrograph-module numbers, and the small integer ids used by
// the persistence layer and the fileIds/fiberIllumination keywords.
package ids

import (
	"fmt"
	"sort"
	"strconv"
)

// Arm identifies one of the four physical arms of a spectrograph module.
type Arm string

const (
	ArmBlue   Arm = "b"
	ArmRed    Arm = "r"
	ArmNIR    Arm = "n"
	ArmMedRes Arm = "m"
)

// armNum mirrors the GLOSSARY mapping b=1, r=2, n=3, m=4.
var armNum = map[Arm]int{ArmBlue: 1, ArmRed: 2, ArmNIR: 3, ArmMedRes: 4}
var numArm = map[int]Arm{1: ArmBlue, 2: ArmRed, 3: ArmNIR, 4: ArmMedRes}

// Num returns the arm's 1-based numeric designation (b=1, r=2, n=3, m=4).
func (a Arm) Num() (int, error) {
	n, ok := armNum[a]
	if !ok {
		return 0, fmt.Errorf("ids: unknown arm %q", a)
	}
	return n, nil
}

// IsIR reports whether the arm is serviced by an IR (hx_*) detector rather
// than a CCD.
func (a Arm) IsIR() bool { return a == ArmNIR }

// ArmFromNum is the inverse of Arm.Num.
func ArmFromNum(n int) (Arm, error) {
	a, ok := numArm[n]
	if !ok {
		return "", fmt.Errorf("ids: unknown arm number %d", n)
	}
	return a, nil
}

// Camera identifies one physical detector: an arm within a spectrograph
// module. Its textual form is "<arm><specNum>", e.g. "b1", "r2", "n3".
type Camera struct {
	Arm     Arm
	SpecNum int
}

// String renders the canonical textual camera name.
func (c Camera) String() string { return fmt.Sprintf("%s%d", c.Arm, c.SpecNum) }

// CamID returns the small integer camera id used by sps_exposure.sps_camera_id:
// (specNum-1)*4 + armNum.
func (c Camera) CamID() (int, error) {
	n, err := c.Arm.Num()
	if err != nil {
		return 0, err
	}
	return (c.SpecNum-1)*4 + n, nil
}

// ParseCamera parses a canonical camera name such as "b1" or "n12" into its
// arm and spectrograph-module number.
func ParseCamera(name string) (Camera, error) {
	if len(name) < 2 {
		return Camera{}, fmt.Errorf("ids: invalid camera name %q", name)
	}
	arm := Arm(name[:1])
	if _, ok := armNum[arm]; !ok {
		return Camera{}, fmt.Errorf("ids: invalid camera name %q: unknown arm", name)
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n <= 0 {
		return Camera{}, fmt.Errorf("ids: invalid camera name %q: bad spectrograph number", name)
	}
	return Camera{Arm: arm, SpecNum: n}, nil
}

// ParseCameras parses each camera name in csv, preserving input order; a
// camera named more than once is kept only at its first position.
func ParseCameras(csv []string) ([]Camera, error) {
	seen := make(map[string]struct{}, len(csv))
	out := make([]Camera, 0, len(csv))
	for _, raw := range csv {
		cam, err := ParseCamera(raw)
		if err != nil {
			return nil, err
		}
		s := cam.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, cam)
	}
	return out, nil
}

// CamIDFromName is a convenience wrapper combining ParseCamera and CamID.
func CamIDFromName(name string) (int, error) {
	cam, err := ParseCamera(name)
	if err != nil {
		return 0, err
	}
	return cam.CamID()
}

// ArmsPerSpectrograph groups a camera list into arms-present-per-module,
// keyed by spectrograph number, in ascending arm-number order.
func ArmsPerSpectrograph(cams []Camera) map[int][]Arm {
	out := make(map[int][]Arm)
	for _, c := range cams {
		out[c.SpecNum] = append(out[c.SpecNum], c.Arm)
	}
	for sm, arms := range out {
		sort.Slice(arms, func(i, j int) bool {
			ni, _ := arms[i].Num()
			nj, _ := arms[j].Num()
			return ni < nj
		})
		out[sm] = arms
	}
	return out
}

// SpectrographModules returns the sorted, de-duplicated list of spectrograph
// module numbers referenced by cams.
func SpectrographModules(cams []Camera) []int {
	perSM := ArmsPerSpectrograph(cams)
	out := make([]int, 0, len(perSM))
	for sm := range perSM {
		out = append(out, sm)
	}
	sort.Ints(out)
	return out
}

// CamMaskBit returns the fileIds bitmask bit for a camera: bit k is set iff
// camId == k+1.
func CamMaskBit(camID int) uint64 {
	if camID <= 0 || camID > 64 {
		return 0
	}
	return 1 << uint(camID-1)
}

// ArmShutterBit returns the module-local physical-shutter bit for arm, used
// by the ENU's "shutters expose shutterMask=" command. This is distinct from
// CamMaskBit: CamMaskBit indexes the module-spanning camera id used for
// fileIds, while the shutter mask is local to one module's physical
// shutters. The NIR arm has no mechanical shutter and contributes no bit;
// the red and medRes arms share the same physical shutter leaf downstream
// of the dichroic split, so both set bit 1.
func ArmShutterBit(a Arm) uint64 {
	switch a {
	case ArmBlue:
		return 1 << 0
	case ArmRed, ArmMedRes:
		return 1 << 1
	default:
		return 0
	}
}
