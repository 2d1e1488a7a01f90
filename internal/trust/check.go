package trust

// Check is the outcome of one named verification step. Verification never
// errors; a failed check carries the reason in Detail.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Check names.
const (
	CheckTraceSignature  = "trace_signature"
	CheckMirrorSignature = "mirror_signature"
	CheckResponseHash    = "response_hash"
)

// CheckTrace verifies a delivery attestation signed by signerB58.
func CheckTrace(callID, responseHashHex string, deliveredAtMillis int64, signatureB58, signerB58 string) Check {
	c := Check{Name: CheckTraceSignature}
	switch {
	case signatureB58 == "":
		c.Detail = "missing signature"
	case signerB58 == "":
		c.Detail = "missing signer"
	case !VerifyEncoded(TraceMessage(callID, responseHashHex, deliveredAtMillis), signatureB58, signerB58):
		c.Detail = "signature does not match trace message"
	default:
		c.OK = true
	}
	return c
}

// CheckPayloadHash compares a received payload against the attested hash.
func CheckPayloadHash(payload []byte, responseHashHex string) Check {
	c := Check{Name: CheckResponseHash, OK: HashHex(payload) == responseHashHex}
	if !c.OK {
		c.Detail = "payload hash differs from attested hash"
	}
	return c
}

// CheckMirrors verifies every mirror for serviceID. The result has one entry
// per mirror, in order.
func CheckMirrors(serviceID string, mirrors []Mirror, signerB58 string) []Check {
	out := make([]Check, 0, len(mirrors))
	for _, m := range mirrors {
		c := Check{Name: CheckMirrorSignature, Detail: m.URL}
		if VerifyEncoded(MirrorMessage(serviceID, m.URL), m.Sig, signerB58) {
			c.OK = true
		} else {
			c.Detail = m.URL + ": bad signature"
		}
		out = append(out, c)
	}
	return out
}

// AllOK reports whether every check passed.
func AllOK(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}
