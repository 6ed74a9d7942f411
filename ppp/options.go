package ppp

import "errors"

// ErrTruncatedOption is returned while walking a malformed option list.
var ErrTruncatedOption = errors.New("ppp: truncated option")

// Option is one LCP/IPCP/IPV6CP configuration option: a type byte, a
// length byte (type+length+data), and the option's own data.
type Option struct {
	Type byte
	Data []byte
}

// Len returns the wire length of the option, including its 2-byte header.
func (o Option) Len() int { return 2 + len(o.Data) }

func (o Option) encode(out []byte) []byte {
	out = append(out, o.Type, byte(o.Len()))
	out = append(out, o.Data...)
	return out
}

// encodeOptions serializes a slice of options back to back.
func encodeOptions(opts []Option) []byte {
	n := 0
	for _, o := range opts {
		n += o.Len()
	}
	out := make([]byte, 0, n)
	for _, o := range opts {
		out = o.encode(out)
	}
	return out
}

// parseOptions walks a packed option list. A malformed trailing option
// (length running past the end of data, or a length smaller than the
// 2-byte header) stops the walk and returns ErrTruncatedOption alongside
// whatever options were successfully parsed so far.
func parseOptions(data []byte) ([]Option, error) {
	var opts []Option
	for len(data) > 0 {
		if len(data) < 2 {
			return opts, ErrTruncatedOption
		}
		l := int(data[1])
		if l < 2 || l > len(data) {
			return opts, ErrTruncatedOption
		}
		opts = append(opts, Option{Type: data[0], Data: append([]byte(nil), data[2:l]...)})
		data = data[l:]
	}
	return opts, nil
}

func findOption(opts []Option, t byte) (Option, bool) {
	for _, o := range opts {
		if o.Type == t {
			return o, true
		}
	}
	return Option{}, false
}
