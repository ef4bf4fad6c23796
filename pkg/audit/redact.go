package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// decisionDetail is the subset of Detail fields carrying personal or
// key material that must not land in the audit trail verbatim.
type decisionDetail struct {
	Buyer   string          `json:"buyer,omitempty"`
	Babysig json.RawMessage `json:"babysig,omitempty"`
}

func redactDecision(rec Decision, salt []byte) Decision {
	rec.Consumer = hashString(rec.Consumer, salt)
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		payload := map[string]interface{}{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	var sensitive decisionDetail
	_ = json.Unmarshal(raw, &sensitive)
	if sensitive.Buyer != "" {
		b, _ := json.Marshal(hashString(sensitive.Buyer, salt))
		generic["buyer"] = b
	}
	if len(sensitive.Babysig) > 0 {
		b, _ := json.Marshal(hashBytes(sensitive.Babysig, salt))
		generic["babysig"] = b
	}
	out, _ := json.Marshal(generic)
	return out
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
