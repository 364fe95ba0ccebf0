package header

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/util"
)

// MIMEType holds media type information.
type MIMEType struct {
	Type    string
	Subtype string
	Params  Values
}

func (mt MIMEType) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	fmt.Fprint(sb, util.LCase(mt.Type), "/", util.LCase(mt.Subtype))
	renderHdrParams(sb, mt.Params, false) //nolint:errcheck
	return sb.String()
}

// Format implements fmt.Formatter for custom formatting of the MIMEType.
func (mt MIMEType) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, mt.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(mt.String()))
		return
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, mt.String())
			return
		}

		type hideMethods MIMEType
		type MIMEType hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), MIMEType(mt))
		return
	}
}

// Equal compares this MIMEType with another for equality.
func (mt MIMEType) Equal(val any) bool {
	var other MIMEType
	switch v := val.(type) {
	case MIMEType:
		other = v
	case *MIMEType:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return util.EqFold(mt.Type, other.Type) &&
		util.EqFold(mt.Subtype, other.Subtype) &&
		compareHdrParams(mt.Params, other.Params, nil)
}

// IsValid checks whether the MIMEType is syntactically valid.
func (mt MIMEType) IsValid() bool {
	return util.IsToken(mt.Type) && util.IsToken(mt.Subtype) && validateHdrParams(mt.Params)
}

// IsZero checks whether the MIMEType is empty.
func (mt MIMEType) IsZero() bool {
	return mt.Type == "" && mt.Subtype == "" && len(mt.Params) == 0
}

// Clone returns a copy of the MIMEType.
func (mt MIMEType) Clone() MIMEType {
	mt.Params = mt.Params.Clone()
	return mt
}

func (mt MIMEType) MarshalText() ([]byte, error) {
	return []byte(mt.String()), nil
}

const errMalformedMIMEType errorutil.Error = "malformed MIME type"

func (mt *MIMEType) UnmarshalText(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" {
		*mt = MIMEType{}
		return nil
	}

	mtype, rest, _ := strings.Cut(s, ";")
	typ, subtype, ok := strings.Cut(strings.TrimSpace(mtype), "/")
	if !ok {
		*mt = MIMEType{}
		return errtrace.Wrap(errorutil.NewWrapperError(errMalformedMIMEType, "%q", s))
	}

	*mt = MIMEType{Type: typ, Subtype: subtype}
	if rest != "" {
		mt.Params = make(Values)
		for _, kv := range strings.Split(rest, ";") {
			if kv = strings.TrimSpace(kv); kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			mt.Params.Append(k, v)
		}
	}
	return nil
}
