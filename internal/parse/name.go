package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	machineSeqRe = regexp.MustCompile(`(?i)^(?:MACHINE)[_\- ]*(\w+)$`)
	orderCodeRe  = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

// OrderCodeAlphabet is the set of characters order codes are drawn from.
const OrderCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// OrderCodeLength is the fixed length of an order code.
const OrderCodeLength = 6

// MachineName derives a default display name from a machine id.
// "MACHINE_01" becomes "Machine #01"; ids without the prefix are used verbatim.
func MachineName(machineID string) string {
	s := strings.TrimSpace(machineID)
	if m := machineSeqRe.FindStringSubmatch(s); m != nil {
		return "Machine #" + m[1]
	}
	return "Machine " + s
}

// OrderCode normalizes a raw order code and checks its shape.
func OrderCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !orderCodeRe.MatchString(code) {
		return "", fmt.Errorf("invalid order code: %q", raw)
	}
	return code, nil
}
