package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported wire protocol")
	errMalformed           = errors.New("malformed envelope")
)

// Protocol selects the envelope encoding. Its value travels in the frame
// header so each side decodes what the other sent.
type Protocol uint32

const (
	ProtocolJSON Protocol = 1
	ProtocolBond Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolJSON:
		return "json"
	case ProtocolBond:
		return "bond"
	default:
		return fmt.Sprintf("protocol(%d)", uint32(p))
	}
}

// ParseProtocol maps a configured protocol name onto a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json":
		return ProtocolJSON, nil
	case "bond":
		return ProtocolBond, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, name)
	}
}

// Request is the envelope of one call. Args are opaque to the envelope.
type Request struct {
	Method string `json:"method"`
	Args   []byte `json:"args,omitempty"`
	OneWay bool   `json:"one_way,omitempty"`
}

type Response struct {
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type codec interface {
	encodeRequest(Request) ([]byte, error)
	decodeRequest([]byte) (Request, error)
	encodeResponse(Response) ([]byte, error)
	decodeResponse([]byte) (Response, error)
}

func codecFor(p Protocol) (codec, error) {
	switch p {
	case ProtocolJSON:
		return jsonCodec{}, nil
	case ProtocolBond:
		return bondCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p)
	}
}

type jsonCodec struct{}

func (jsonCodec) encodeRequest(r Request) ([]byte, error) { return json.Marshal(r) }

func (jsonCodec) decodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return r, nil
}

func (jsonCodec) encodeResponse(r Response) ([]byte, error) { return json.Marshal(r) }

func (jsonCodec) decodeResponse(b []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return r, nil
}

// bondCodec writes the envelope in protobuf wire format:
//
//	request:  1 method (bytes), 2 args (bytes), 3 one_way (varint)
//	response: 1 result (bytes), 2 error (bytes)
//
// Unknown fields are skipped.
type bondCodec struct{}

func (bondCodec) encodeRequest(r Request) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.Method)
	if len(r.Args) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Args)
	}
	if r.OneWay {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func (bondCodec) decodeRequest(b []byte) (Request, error) {
	var r Request
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Method = string(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Args = append([]byte(nil), v...)
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.OneWay = v != 0
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return r, err
}

func (bondCodec) encodeResponse(r Response) ([]byte, error) {
	var b []byte
	if len(r.Result) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Result)
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b, nil
}

func (bondCodec) decodeResponse(b []byte) (Response, error) {
	var r Response
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Result = append([]byte(nil), v...)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Error = string(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return r, err
}

func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m := field(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
