package types

import (
	"fmt"
	"net/url"
)

// maxPaymentURLLength bounds provider-supplied payment page URLs. Anything
// longer is almost certainly malformed and some user agents truncate silently.
const maxPaymentURLLength = 2048

// ValidatePaymentURL checks that a provider-supplied payment page URL is safe
// to hand to a client: HTTPS only, a real host, and a sane length. Network
// level SSRF checks happen separately at request time.
func ValidatePaymentURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%s: empty payment URL", ErrCodeUpstreamProvider)
	}
	if len(raw) > maxPaymentURLLength {
		return fmt.Errorf("%s: payment URL exceeds %d characters", ErrCodeUpstreamProvider, maxPaymentURLLength)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: unparseable payment URL", ErrCodeUpstreamProvider)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%s: payment URL must use HTTPS", ErrCodeUpstreamProvider)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("%s: payment URL has no host", ErrCodeUpstreamProvider)
	}
	return nil
}

// SSRFBlockedCIDRs defines the IP ranges that MUST be blocked for SSRF
// protection on outbound provider calls.
var SSRFBlockedCIDRs = []string{
	"127.0.0.0/8",    // Localhost
	"10.0.0.0/8",     // Private Class A
	"172.16.0.0/12",  // Private Class B
	"192.168.0.0/16", // Private Class C
	"169.254.0.0/16", // Link-local (AWS Metadata!)
	"0.0.0.0/8",      // Current network
	"224.0.0.0/4",    // Multicast
	"240.0.0.0/4",    // Reserved
	"100.64.0.0/10",  // Shared Address Space (CGN)
	"198.18.0.0/15",  // Benchmark testing
	"fc00::/7",       // IPv6 private
	"fe80::/10",      // IPv6 link-local
	"::1/128",        // IPv6 localhost
}
