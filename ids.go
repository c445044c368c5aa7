package ownet

import (
	"fmt"
	"strconv"
	"strings"

	"ownet/errors"
)

// SplitID parses a device id of the form FF.XXXXXXXXXXXX.CC into its
// family byte, device code and checksum.
func SplitID(id string) (family byte, code uint64, chksum byte, err error) {
	parts := strings.Split(id, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrNotADevice, id)
	}

	fam, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrNotADevice, id)
	}

	code, err = strconv.ParseUint(parts[1], 16, 48)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrNotADevice, id)
	}

	chk, err := strconv.ParseUint(parts[2], 16, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrNotADevice, id)
	}

	return byte(fam), code, byte(chk), nil
}

// canonicalID returns the canonical uppercase spelling of a device id.
func canonicalID(id string) string {
	return strings.ToUpper(id)
}
