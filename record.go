package kvadapter

import (
	"bytes"
	"sort"

	"github.com/juju/errors"
	"github.com/multiformats/go-varint"
)

// recordVersion is the first byte of every encoded record.
const recordVersion = 0x01

// Record maps field names to field values.
type Record map[string][]byte

// KeyedRecord is one scan result.
type KeyedRecord struct {
	Key    string
	Fields Record
}

// StringRecord builds a Record from string values.
func StringRecord(m map[string]string) Record {
	r := make(Record, len(m))
	for k, v := range m {
		r[k] = []byte(v)
	}
	return r
}

// Strings returns the record with values converted to strings.
func (r Record) Strings() map[string]string {
	m := make(map[string]string, len(r))
	for k, v := range r {
		m[k] = string(v)
	}
	return m
}

// Project returns the subset of r named by fields. A nil fields slice
// selects every field; names absent from r are skipped.
func (r Record) Project(fields []string) Record {
	if fields == nil {
		return r
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// EncodeRecord serializes r as
//
//	version(1) count(uvarint) { len(uvarint) name len(uvarint) value }...
//
// with fields sorted by name, so equal records encode identically.
func EncodeRecord(r Record) []byte {
	names := make([]string, 0, len(r))
	size := 1 + varint.UvarintSize(uint64(len(r)))
	for name, v := range r {
		names = append(names, name)
		size += varint.UvarintSize(uint64(len(name))) + len(name)
		size += varint.UvarintSize(uint64(len(v))) + len(v)
	}
	sort.Strings(names)

	buf := make([]byte, size)
	buf[0] = recordVersion
	n := 1
	n += varint.PutUvarint(buf[n:], uint64(len(names)))
	for _, name := range names {
		v := r[name]
		n += varint.PutUvarint(buf[n:], uint64(len(name)))
		n += copy(buf[n:], name)
		n += varint.PutUvarint(buf[n:], uint64(len(v)))
		n += copy(buf[n:], v)
	}
	return buf[:n]
}

// DecodeRecord parses the output of EncodeRecord. Values alias nothing in
// data.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, errors.NotValidf("empty record")
	}
	if data[0] != recordVersion {
		return nil, errors.NotValidf("record version %d", data[0])
	}
	p := data[1:]
	count, err := readUvarint(&p)
	if err != nil {
		return nil, errors.Annotate(err, "field count")
	}
	if count > uint64(len(p)) {
		return nil, errors.NotValidf("field count %d", count)
	}
	r := make(Record, count)
	var prev []byte
	for i := uint64(0); i < count; i++ {
		name, err := readBytes(&p)
		if err != nil {
			return nil, errors.Annotatef(err, "field %d name", i)
		}
		// names must be strictly ascending
		if i > 0 && bytes.Compare(name, prev) <= 0 {
			return nil, errors.NotValidf("field %q after %q", name, prev)
		}
		prev = name
		value, err := readBytes(&p)
		if err != nil {
			return nil, errors.Annotatef(err, "field %q value", name)
		}
		r[string(name)] = append([]byte{}, value...)
	}
	if len(p) != 0 {
		return nil, errors.NotValidf("%d trailing bytes", len(p))
	}
	return r, nil
}

func readUvarint(p *[]byte) (uint64, error) {
	v, n, err := varint.FromUvarint(*p)
	if err != nil {
		return 0, errors.NewNotValid(err, "uvarint")
	}
	*p = (*p)[n:]
	return v, nil
}

func readBytes(p *[]byte) ([]byte, error) {
	l, err := readUvarint(p)
	if err != nil {
		return nil, err
	}
	if l > uint64(len(*p)) {
		return nil, errors.NotValidf("length %d beyond %d remaining bytes", l, len(*p))
	}
	b := (*p)[:l]
	*p = (*p)[l:]
	return b, nil
}
