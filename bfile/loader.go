package bfile

import (
	"bytes"
	"io"

	"github.com/Mshaffar/kexec/errors"
)

// Loader decodes encoded Function bytes, verifying the content
// digest before handing back a usable Function.
type Loader struct{}

// NewLoader returns a Loader. Loader carries no state; it exists as
// a type so callers have a stable place to hang future options (a
// digest-skip flag for trusted sources, for instance) without
// changing Decode's signature.
func NewLoader() *Loader { return &Loader{} }

// Decode parses an encoded function file from r.
func (l *Loader) Decode(r io.Reader) (*Function, error) {
	m, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, errors.New("short read of magic"))
	}
	if m != magic {
		return nil, errors.E("load", errors.Integrity, errors.New("bad magic"))
	}
	version, err := getU16(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	if version != formatVersion {
		return nil, errors.E("load", errors.Integrity, errors.Errorf("unsupported format version %d", version))
	}
	digestLen, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	digestBuf := make([]byte, digestLen)
	if _, err := io.ReadFull(r, digestBuf); err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	wantDigest, err := Digester.Parse(string(digestBuf))
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	payloadLen, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	if got := Digester.FromBytes(payload); got != wantDigest {
		return nil, errors.E("load", errors.Integrity, errors.New("content digest mismatch"))
	}
	return decodePayload(payload)
}

// DecodeBytes is a convenience wrapper around Decode for callers that
// already hold the entire file in memory.
func (l *Loader) DecodeBytes(b []byte) (*Function, error) {
	return l.Decode(bytes.NewReader(b))
}
