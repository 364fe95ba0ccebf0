package types

import "github.com/onsip/sipcore/internal/util"

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

var knownRequestMethods = map[RequestMethod]struct{}{
	RequestMethodAck:       {},
	RequestMethodBye:       {},
	RequestMethodCancel:    {},
	RequestMethodInfo:      {},
	RequestMethodInvite:    {},
	RequestMethodMessage:   {},
	RequestMethodNotify:    {},
	RequestMethodOptions:   {},
	RequestMethodPrack:     {},
	RequestMethodPublish:   {},
	RequestMethodRefer:     {},
	RequestMethodRegister:  {},
	RequestMethodSubscribe: {},
	RequestMethodUpdate:    {},
}

// IsKnownRequestMethod reports whether the method is one of the methods
// registered by the supported RFCs.
func IsKnownRequestMethod(m RequestMethod) bool {
	_, ok := knownRequestMethods[m.ToUpper()]
	return ok
}

type RequestMethod string

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

func (m RequestMethod) ToLower() RequestMethod { return util.LCase(m) }

func (m RequestMethod) IsValid() bool { return util.IsToken(m) }

func (m RequestMethod) Equal(val any) bool {
	var other RequestMethod
	switch v := val.(type) {
	case RequestMethod:
		other = v
	case *RequestMethod:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return util.EqFold(m, other)
}
