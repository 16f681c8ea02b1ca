package dicom

import (
	"strconv"
	"strings"
)

const (
	ascconvBegin = "### ASCCONV BEGIN"
	ascconvEnd   = "### ASCCONV END"
)

// parseASCCONV extracts the "key = value" assignments between the ASCCONV
// markers of a Siemens protocol dump. Quoted values lose their delimiter,
// hexadecimal values are converted to decimal and trailing comments are
// dropped.
func parseASCCONV(text, delim string) map[string]string {
	out := map[string]string{}
	start := strings.Index(text, ascconvBegin)
	if start < 0 {
		return out
	}
	body := text[start:]
	if end := strings.Index(body, ascconvEnd); end >= 0 {
		body = body[:end]
	}
	lines := strings.Split(body, "\n")
	// the first line is the BEGIN marker itself
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		if strings.HasPrefix(value, delim) {
			rest := value[len(delim):]
			if end := strings.Index(rest, delim); end >= 0 {
				rest = rest[:end]
			}
			out[key] = rest
			continue
		}
		if i := strings.IndexAny(value, "#\t "); i >= 0 {
			value = value[:i]
		}
		if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
			if n, err := strconv.ParseInt(value[2:], 16, 64); err == nil {
				value = strconv.FormatInt(n, 10)
			}
		}
		out[key] = value
	}
	return out
}
