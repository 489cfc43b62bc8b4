package scanning

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError marks input the API must reject with 422. No state is
// changed when one is returned.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// NewValidationError builds a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// validateRequest normalizes the request in place and rejects anything the
// engine would choke on. Trims the target, defaults the scan type to full.
func validateRequest(req *Request) error {
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return validationErrorf("target is required")
	}
	if !validTarget(req.Target) {
		return validationErrorf("invalid target: %q is not an IP address, CIDR range, or hostname", req.Target)
	}

	switch req.ScanType {
	case "":
		req.ScanType = ScanTypeFull
	case ScanTypeFull, ScanTypeDirected:
	default:
		return validationErrorf("scan_type must be %q or %q", ScanTypeFull, ScanTypeDirected)
	}

	if req.ScanType == ScanTypeDirected && len(req.Ports) == 0 {
		return validationErrorf("Directed scan requires 'ports' field")
	}
	for _, port := range req.Ports {
		if port < 1 || port > 65535 {
			return validationErrorf("invalid port: %d", port)
		}
	}

	return nil
}

// validTarget accepts an IP address, a CIDR range (except /0), or a
// hostname.
func validTarget(target string) bool {
	if net.ParseIP(target) != nil {
		return true
	}
	if _, ipnet, err := net.ParseCIDR(target); err == nil {
		ones, _ := ipnet.Mask.Size()
		return ones > 0
	}
	return validHostname(target)
}

// validHostname applies the RFC 1123 shape: dot-separated labels of
// letters, digits and inner hyphens, 63 bytes per label, 253 total.
func validHostname(name string) bool {
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '-':
			default:
				return false
			}
		}
	}
	return true
}
