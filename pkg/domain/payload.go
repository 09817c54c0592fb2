package domain

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the event parameter encoding.
//
//	message CounterEventParams {
//	  uint64 new_value = 1; // absent on reset
//	  string caller    = 2;
//	}
const (
	fieldNewValue protowire.Number = 1
	fieldCaller   protowire.Number = 2
)

// EncodeParams serializes event parameters in protobuf wire format.
func EncodeParams(p Params) []byte {
	var b []byte
	if p.NewValue != nil {
		b = protowire.AppendTag(b, fieldNewValue, protowire.VarintType)
		b = protowire.AppendVarint(b, *p.NewValue)
	}
	b = protowire.AppendTag(b, fieldCaller, protowire.BytesType)
	b = protowire.AppendString(b, p.Caller)
	return b
}

// DecodeParams parses event parameters and checks they match the event kind:
// Increment and Decrement must carry a new value, Reset must not.
// Unknown fields are skipped so older readers tolerate newer writers.
func DecodeParams(kind EventKind, data []byte) (Params, error) {
	var p Params
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Params{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldNewValue && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Params{}, fmt.Errorf("decode new_value: %w", protowire.ParseError(m))
			}
			p.NewValue = Uint64(v)
			data = data[m:]
		case num == fieldCaller && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(data)
			if m < 0 {
				return Params{}, fmt.Errorf("decode caller: %w", protowire.ParseError(m))
			}
			p.Caller = s
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Params{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	switch {
	case !kind.Valid():
		return Params{}, fmt.Errorf("%w: %s", ErrUnknownEventKind, kind)
	case kind.HasNewValue() && p.NewValue == nil:
		return Params{}, fmt.Errorf("%s without new_value", kind)
	case !kind.HasNewValue() && p.NewValue != nil:
		return Params{}, fmt.Errorf("%s with unexpected new_value", kind)
	case p.Caller == "":
		return Params{}, fmt.Errorf("%s without caller", kind)
	}
	return p, nil
}
