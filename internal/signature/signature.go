// Package signature authenticates webhook payloads signed by the payment
// provider. The header has the form "t=<unix seconds>,v1=<hex hmac>[,v1=...]"
// and the signed content is "<t>.<raw body>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderName       = "Stripe-Signature"
	DefaultTolerance = 300 * time.Second

	timestampKey = "t"
	schemeV1     = "v1"
)

// Verify reports whether header carries a valid, fresh signature of payload.
func Verify(payload []byte, header, secret string, tolerance time.Duration) bool {
	return VerifyAt(payload, header, secret, tolerance, time.Now())
}

// VerifyAt is Verify with an explicit clock reading.
func VerifyAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	if secret == "" {
		return false
	}

	timestamp, signatures, ok := parseHeader(header)
	if !ok {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if age := now.Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
		return false
	}

	expected := []byte(Compute(payload, timestamp, secret))
	matched := false
	for _, sig := range signatures {
		// Keep comparing after a match so timing does not reveal which entry matched.
		if hmac.Equal(expected, []byte(sig)) {
			matched = true
		}
	}
	return matched
}

// Compute returns the hex-encoded HMAC-SHA256 of "<timestamp>.<payload>".
func Compute(payload []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header builds a signature header for payload at the given time.
func Header(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return timestampKey + "=" + ts + "," + schemeV1 + "=" + Compute(payload, ts, secret)
}

func parseHeader(header string) (timestamp string, signatures []string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || value == "" {
			continue
		}
		switch key {
		case timestampKey:
			if timestamp == "" {
				timestamp = value
			}
		case schemeV1:
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures, timestamp != "" && len(signatures) > 0
}
