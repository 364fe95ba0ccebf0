package header

import (
	"encoding/json"

	"braces.dev/errtrace"
)

// FromJSON reconstructs a typed header from its structural JSON encoding
// produced by the corresponding MarshalJSON. Names without a native type
// decode into [Any].
func FromJSON(name Name, data []byte) (Header, error) {
	switch CanonicName(name) {
	case "Via":
		var h Via
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "From":
		h := new(From)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "To":
		h := new(To)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Contact":
		var h Contact
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Route":
		var h Route
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Record-Route":
		var h RecordRoute
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Refer-To":
		h := new(ReferTo)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Call-ID":
		var h CallID
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "CSeq":
		h := new(CSeq)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Max-Forwards":
		var h MaxForwards
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Content-Length":
		var h ContentLength
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Content-Type":
		h := new(ContentType)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Expires":
		h := new(Expires)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Retry-After":
		h := new(RetryAfter)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	case "Require":
		var h Require
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Supported":
		var h Supported
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Unsupported":
		var h Unsupported
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "Allow":
		var h Allow
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "RSeq":
		var h RSeq
		return h, errtrace.Wrap(json.Unmarshal(data, &h))
	case "RAck":
		h := new(RAck)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	default:
		h := new(Any)
		return h, errtrace.Wrap(json.Unmarshal(data, h))
	}
}
