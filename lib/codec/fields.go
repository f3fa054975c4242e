package codec

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/config"
)

// --------------------------------------------------------------------------
// Writer (fixed size buffer, size computed upfront)
// --------------------------------------------------------------------------

type writer struct {
	buf []byte
	pos int
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, size)}
}

func (w *writer) u8(v byte) {
	w.buf[w.pos] = v
	w.pos++
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.pos:w.pos+4], v)
	w.pos += 4
}

func (w *writer) u64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[w.pos:w.pos+8], v)
	w.pos += 8
}

func (w *writer) raw(b []byte) {
	copy(w.buf[w.pos:w.pos+len(b)], b)
	w.pos += len(b)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	copy(w.buf[w.pos:w.pos+len(s)], s)
	w.pos += len(s)
}

func (w *writer) optStr(s *string) {
	if s == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.str(*s)
}

// --------------------------------------------------------------------------
// Reader (bounds checked, reports the field that failed)
// --------------------------------------------------------------------------

type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n uint64, what string) error {
	if uint64(r.pos)+n > uint64(len(r.data)) {
		return fmt.Errorf("%w: data too short for %s", ErrTruncated, what)
	}
	return nil
}

func (r *reader) u8(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) raw(n uint64, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// bytes reads a length-prefixed byte sequence into a fresh slice
func (r *reader) bytes(what string) ([]byte, error) {
	n, err := r.u32(what + " length")
	if err != nil {
		return nil, err
	}
	b, err := r.raw(uint64(n), what)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *reader) str(what string) (string, error) {
	n, err := r.u32(what + " length")
	if err != nil {
		return "", err
	}
	b, err := r.raw(uint64(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) optStr(what string) (*string, error) {
	flag, err := r.u8(what + " presence")
	if err != nil {
		return nil, err
	}
	switch flag {
	case 0:
		return nil, nil
	case 1:
		s, err := r.str(what)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: invalid presence flag %d for %s", ErrMalformed, flag, what)
	}
}

// count reads a collection size and checks that the remaining buffer can hold at least
// minEntrySize bytes per entry, so a corrupt count never triggers a huge allocation.
func (r *reader) count(what string, minEntrySize uint64) (int, error) {
	n, err := r.u32(what + " count")
	if err != nil {
		return 0, err
	}
	if err := r.need(uint64(n)*minEntrySize, what); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *reader) finish() error {
	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Chain
// --------------------------------------------------------------------------

// element: 8 bytes sequence id + 4 bytes payload length
const minElementSize = 12

func sizeChain(c chain.Chain) int {
	size := 4
	for _, e := range c {
		size += minElementSize + len(e.Payload)
	}
	return size
}

func writeChain(w *writer, c chain.Chain) {
	w.u32(uint32(len(c)))
	for _, e := range c {
		w.u64(e.SequenceID)
		w.bytes(e.Payload)
	}
}

func readChain(r *reader) (chain.Chain, error) {
	n, err := r.count("chain", minElementSize)
	if err != nil {
		return nil, err
	}
	c := make(chain.Chain, n)
	for i := range c {
		seq, err := r.u64("element sequence id")
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes("element payload")
		if err != nil {
			return nil, err
		}
		c[i] = chain.Element{SequenceID: seq, Payload: payload}
	}
	return c, nil
}

// EncodeChain encodes a chain as [u32 count]([u64 seq][u32 len][payload])*
func EncodeChain(c chain.Chain) []byte {
	w := newWriter(sizeChain(c))
	writeChain(w, c)
	return w.buf
}

// DecodeChain decodes a chain produced by EncodeChain. The whole buffer must be consumed.
func DecodeChain(data []byte) (chain.Chain, error) {
	r := &reader{data: data}
	c, err := readChain(r)
	if err != nil {
		return nil, err
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Pool allocation
// --------------------------------------------------------------------------

func sizeAllocation(alloc config.PoolAllocation) int {
	switch a := alloc.(type) {
	case config.Dedicated:
		return 1 + 8 + 4 + len(a.ResourceName)
	case config.Shared:
		return 1 + 4 + len(a.PoolName)
	default:
		return 1
	}
}

func writeAllocation(w *writer, alloc config.PoolAllocation) {
	w.u8(byte(alloc.AllocationType()))
	switch a := alloc.(type) {
	case config.Dedicated:
		w.u64(a.Size)
		w.str(a.ResourceName)
	case config.Shared:
		w.str(a.PoolName)
	}
}

func readAllocation(r *reader) (config.PoolAllocation, error) {
	tag, err := r.u8("allocation tag")
	if err != nil {
		return nil, err
	}

	var alloc config.PoolAllocation
	switch config.AllocationType(tag) {
	case config.AllocTDedicated:
		size, err := r.u64("dedicated size")
		if err != nil {
			return nil, err
		}
		name, err := r.str("dedicated resource name")
		if err != nil {
			return nil, err
		}
		alloc = config.Dedicated{ResourceName: name, Size: size}
	case config.AllocTShared:
		name, err := r.str("shared pool name")
		if err != nil {
			return nil, err
		}
		alloc = config.Shared{PoolName: name}
	case config.AllocTUnknown:
		alloc = config.Unknown{}
	default:
		return nil, fmt.Errorf("%w: allocation tag %d", ErrUnknownTag, tag)
	}

	if err := config.ValidateAllocation(alloc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return alloc, nil
}

// --------------------------------------------------------------------------
// Store configuration
// --------------------------------------------------------------------------

func sizeStoreConfiguration(sc config.ServerStoreConfiguration) int {
	return sizeAllocation(sc.PoolAllocation) +
		6*4 + len(sc.StoredKeyType) + len(sc.StoredValueType) + len(sc.ActualKeyType) +
		len(sc.ActualValueType) + len(sc.KeySerializerType) + len(sc.ValueSerializerType) +
		1
}

func writeStoreConfiguration(w *writer, sc config.ServerStoreConfiguration) {
	writeAllocation(w, sc.PoolAllocation)
	w.str(sc.StoredKeyType)
	w.str(sc.StoredValueType)
	w.str(sc.ActualKeyType)
	w.str(sc.ActualValueType)
	w.str(sc.KeySerializerType)
	w.str(sc.ValueSerializerType)
	w.u8(byte(sc.Consistency))
}

func readStoreConfiguration(r *reader) (config.ServerStoreConfiguration, error) {
	var sc config.ServerStoreConfiguration
	var err error

	if sc.PoolAllocation, err = readAllocation(r); err != nil {
		return sc, err
	}

	fields := []struct {
		dst  *string
		name string
	}{
		{&sc.StoredKeyType, "stored key type"},
		{&sc.StoredValueType, "stored value type"},
		{&sc.ActualKeyType, "actual key type"},
		{&sc.ActualValueType, "actual value type"},
		{&sc.KeySerializerType, "key serializer type"},
		{&sc.ValueSerializerType, "value serializer type"},
	}
	for _, f := range fields {
		if *f.dst, err = r.str(f.name); err != nil {
			return sc, err
		}
	}

	consistency, err := r.u8("consistency")
	if err != nil {
		return sc, err
	}
	sc.Consistency = config.Consistency(consistency)
	if !sc.Consistency.Valid() {
		return sc, fmt.Errorf("%w: consistency %d", ErrUnknownTag, consistency)
	}
	return sc, nil
}

// EncodeStoreConfiguration encodes one store configuration with the layout used inside
// state sync messages.
func EncodeStoreConfiguration(sc config.ServerStoreConfiguration) ([]byte, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	w := newWriter(sizeStoreConfiguration(sc))
	writeStoreConfiguration(w, sc)
	return w.buf, nil
}

// DecodeStoreConfiguration decodes a store configuration produced by EncodeStoreConfiguration.
func DecodeStoreConfiguration(data []byte) (config.ServerStoreConfiguration, error) {
	r := &reader{data: data}
	sc, err := readStoreConfiguration(r)
	if err != nil {
		return config.ServerStoreConfiguration{}, err
	}
	if err := r.finish(); err != nil {
		return config.ServerStoreConfiguration{}, err
	}
	return sc, nil
}
