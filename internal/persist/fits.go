package persist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const fitsCardLen = 80

// readPrimaryHeaderKeyword scans path's primary FITS header for keyword,
// returning its value with surrounding quotes and whitespace stripped. It
// reads fixed 80-byte cards until the END card or keyword is found, never
// touching the data unit — pfsConfig files mirror pfsDesignId/designName
// into the primary header specifically so callers don't need to parse the
// binary table extension just to resolve them.
func readPrimaryHeaderKeyword(path, keyword string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	card := make([]byte, fitsCardLen)
	for {
		if _, err := io.ReadFull(r, card); err != nil {
			return "", false, nil
		}
		name := strings.TrimSpace(string(card[:8]))
		if name == "END" {
			return "", false, nil
		}
		if name != keyword {
			continue
		}
		rest := string(card[8:])
		rest = strings.TrimPrefix(strings.TrimSpace(rest), "=")
		rest = strings.TrimSpace(rest)
		if slash := strings.Index(rest, "/"); slash >= 0 {
			rest = rest[:slash]
		}
		rest = strings.TrimSpace(rest)
		rest = strings.Trim(rest, "'")
		return strings.TrimSpace(rest), true, nil
	}
}

// readPrimaryHeaderInt is readPrimaryHeaderKeyword plus an integer parse, for
// W_PFDSGN (pfsDesignId is stored as a hex-encoded 64-bit value). A leading
// "0x" is stripped and the value is parsed as hex; a decimal parse is tried
// only when the hex parse fails, so a value of decimal digits is read as hex.
func readPrimaryHeaderInt(path, keyword string) (int64, bool, error) {
	raw, ok, err := readPrimaryHeaderKeyword(path, keyword)
	if err != nil || !ok {
		return 0, ok, err
	}
	raw = strings.TrimPrefix(raw, "0x")
	v, err := strconv.ParseInt(raw, 16, 64)
	if err != nil {
		if v2, err2 := strconv.ParseInt(raw, 10, 64); err2 == nil {
			return v2, true, nil
		}
		return 0, false, fmt.Errorf("persist: parse %s=%q: %w", keyword, raw, err)
	}
	return v, true, nil
}
