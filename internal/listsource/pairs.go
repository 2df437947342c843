package listsource

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedPairs = errors.New("listsource: malformed address,amount list")

// SplitPairs turns "address,amount" lines into the separate recipient and
// amount texts the batch preparer expects. Blank lines, '#' comments and a
// leading "address,amount" header are skipped.
func SplitPairs(text string) (recipients, amounts string, err error) {
	var rs, as []string
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, amt, ok := strings.Cut(line, ",")
		if !ok {
			return "", "", fmt.Errorf("%w: line %d has no comma", ErrMalformedPairs, i+1)
		}
		addr, amt = strings.TrimSpace(addr), strings.TrimSpace(amt)
		if len(rs) == 0 && strings.EqualFold(addr, "address") {
			continue
		}
		if addr == "" || amt == "" || strings.Contains(amt, ",") {
			return "", "", fmt.Errorf("%w: line %d", ErrMalformedPairs, i+1)
		}
		rs = append(rs, addr)
		as = append(as, amt)
	}
	return strings.Join(rs, "\n"), strings.Join(as, "\n"), nil
}
