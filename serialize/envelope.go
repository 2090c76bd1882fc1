package serialize

import (
	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/wire"
)

// EncodePVRequest/DecodePVRequest carry an operation INIT's field
// selection and option map (spec.md GLOSSARY: PVRequest) -- a plain
// string list and key/value list, not a typed Field tree.
func EncodePVRequest(buf *bytebuf.Buffer, req *pvdata.PVRequest) error {
	if req == nil {
		req = &pvdata.PVRequest{}
	}
	if err := buf.PutUint16(uint16(len(req.Fields))); err != nil {
		return err
	}
	for _, f := range req.Fields {
		if err := wire.PutString(buf, f); err != nil {
			return err
		}
	}
	if err := buf.PutUint16(uint16(len(req.Options))); err != nil {
		return err
	}
	for k, v := range req.Options {
		if err := wire.PutString(buf, k); err != nil {
			return err
		}
		if err := wire.PutString(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func DecodePVRequest(buf *bytebuf.Buffer) (*pvdata.PVRequest, error) {
	req := &pvdata.PVRequest{Options: map[string]string{}}
	nf, err := buf.GetUint16()
	if err != nil {
		return nil, err
	}
	req.Fields = make([]string, nf)
	for i := range req.Fields {
		req.Fields[i], err = wire.GetString(buf)
		if err != nil {
			return nil, err
		}
	}
	no, err := buf.GetUint16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(no); i++ {
		k, err := wire.GetString(buf)
		if err != nil {
			return nil, err
		}
		v, err := wire.GetString(buf)
		if err != nil {
			return nil, err
		}
		req.Options[k] = v
	}
	return req, nil
}

// WriteIntrospection writes f against reg's FULL_WITH_ID/ONLY_ID cache
// (spec.md §4.4): a kind byte, the assigned id, and -- only the first
// time this transport has shown f's exact shape -- the full
// definition.
func WriteIntrospection(buf *bytebuf.Buffer, reg *Registry, f *pvdata.Field) error {
	id, kind := reg.Assign(f)
	if err := buf.PutUint8(uint8(kind)); err != nil {
		return err
	}
	if err := buf.PutUint16(uint16(id)); err != nil {
		return err
	}
	if kind == FullWithID {
		return EncodeField(buf, f)
	}
	return nil
}

// ReadIntrospection is WriteIntrospection's inverse: FULL_WITH_ID
// decodes and remembers the definition under its announced id;
// ONLY_ID resolves the id against what this transport has already
// been shown.
func ReadIntrospection(buf *bytebuf.Buffer, reg *Registry) (*pvdata.Field, error) {
	k, err := buf.GetUint8()
	if err != nil {
		return nil, err
	}
	rawID, err := buf.GetUint16()
	if err != nil {
		return nil, err
	}
	id := int16(rawID)
	if Kind(k) == FullWithID {
		f, err := DecodeField(buf)
		if err != nil {
			return nil, err
		}
		reg.Remember(id, f)
		return f, nil
	}
	f, ok := reg.Lookup(id)
	if !ok {
		return nil, cos.Status{Kind: cos.KindInvalidDataStream, Message: "unknown introspection id"}
	}
	return f, nil
}
