package bcmodule

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the outer module envelope. Only the envelope
// (header + per-section byte blobs) is protobuf-framed; each section's
// payload keeps the dense binary encoding described below rather than a
// fully protobuf-modeled
// message, so hot-path structures avoid per-field reflection overhead.
const (
	fieldMagic       = 1
	fieldVersion     = 2
	fieldFlags       = 3
	fieldPools       = 4
	fieldFunctions   = 5
	fieldNatives     = 6
	fieldGlobals     = 7
	fieldSourceFiles = 8
)

// Encode serializes m to its on-disk wire format: a protobuf-framed
// envelope wrapping five densely-encoded section blobs.
func Encode(m *Module) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MagicField))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.VersionField))
	b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Flags))

	b = appendSection(b, fieldPools, encodePools(m))
	b = appendSection(b, fieldFunctions, encodeFunctions(m.Functions))
	b = appendSection(b, fieldNatives, encodeNatives(m.NativeFuncs))
	b = appendSection(b, fieldGlobals, encodeGlobals(m.Globals))
	b = appendSection(b, fieldSourceFiles, encodeSourceFiles(m.SourceFiles))
	return b
}

func appendSection(b []byte, field protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// Decode parses a module previously produced by Encode, validating the
// magic and version header.
func Decode(data []byte) (*Module, error) {
	m := New()
	var havePools, haveFunctions, haveNatives, haveGlobals, haveSourceFiles []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("bcmodule: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldMagic, fieldVersion, fieldFlags:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("bcmodule: malformed varint field %d", num)
			}
			data = data[n:]
			switch num {
			case fieldMagic:
				m.MagicField = uint32(v)
			case fieldVersion:
				m.VersionField = uint32(v)
			case fieldFlags:
				m.Flags = uint32(v)
			}
		case fieldPools, fieldFunctions, fieldNatives, fieldGlobals, fieldSourceFiles:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("bcmodule: field %d: expected bytes type", num)
			}
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("bcmodule: malformed bytes field %d", num)
			}
			data = data[n:]
			switch num {
			case fieldPools:
				havePools = v
			case fieldFunctions:
				haveFunctions = v
			case fieldNatives:
				haveNatives = v
			case fieldGlobals:
				haveGlobals = v
			case fieldSourceFiles:
				haveSourceFiles = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("bcmodule: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}

	if m.MagicField != Magic {
		return nil, fmt.Errorf("bcmodule: bad magic %#x, want %#x", m.MagicField, Magic)
	}
	if m.VersionField != Version {
		return nil, fmt.Errorf("bcmodule: unsupported version %d, want %d", m.VersionField, Version)
	}

	if err := decodePools(m, havePools); err != nil {
		return nil, err
	}
	functions, err := decodeFunctions(haveFunctions)
	if err != nil {
		return nil, err
	}
	for _, fn := range functions {
		m.AddFunction(fn)
	}
	natives, err := decodeNatives(haveNatives)
	if err != nil {
		return nil, err
	}
	for _, nf := range natives {
		m.AddNativeFunc(nf.Name, nf.ParamCount, nf.HasReturn)
	}
	globals, err := decodeGlobals(haveGlobals)
	if err != nil {
		return nil, err
	}
	for _, g := range globals {
		m.AddGlobal(g)
	}
	m.SourceFiles, err = decodeSourceFiles(haveSourceFiles)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// --- dense binary section codecs ---
//
// Each section is a self-contained byte blob: a uint32 element count
// followed by fixed encodings per element. Strings are length-prefixed
// (uint32 byte length + raw bytes). This mirrors the in-memory
// vector-of-structs layout closely enough to serialize/deserialize
// directly, without protobuf-encoding every field of every instruction.

type writer struct{ buf []byte }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}
func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}
func (w *writer) str(v string) { w.bytes([]byte(v)) }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.off+n > len(r.buf) {
		if r.err == nil {
			r.err = fmt.Errorf("bcmodule: truncated section")
		}
		return false
	}
	return true
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) boolean() bool {
	if !r.need(1) {
		return false
	}
	v := r.buf[r.off] != 0
	r.off++
	return v
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if !r.need(int(n)) {
		return nil
	}
	v := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return v
}

func (r *reader) str() string { return string(r.bytes()) }

func encodePools(m *Module) []byte {
	w := &writer{}
	w.u32(uint32(len(m.I64Pool)))
	for _, v := range m.I64Pool {
		w.i64(v)
	}
	w.u32(uint32(len(m.F64Pool)))
	for _, v := range m.F64Pool {
		w.u64(float64bits(v))
	}
	w.u32(uint32(len(m.StringPool)))
	for _, v := range m.StringPool {
		w.str(v)
	}
	return w.buf
}

func decodePools(m *Module, data []byte) error {
	r := &reader{buf: data}
	for i, n := 0, r.u32(); i < int(n); i++ {
		m.AddI64(r.i64())
	}
	for i, n := 0, r.u32(); i < int(n); i++ {
		m.AddF64(float64frombits(r.u64()))
	}
	for i, n := 0, r.u32(); i < int(n); i++ {
		m.AddString(r.str())
	}
	return r.err
}

func encodeFunctions(fns []Function) []byte {
	w := &writer{}
	w.u32(uint32(len(fns)))
	for _, fn := range fns {
		w.str(fn.Name)
		w.u32(fn.NumParams)
		w.u32(fn.NumLocals)
		w.u32(fn.MaxStack)
		w.u32(fn.AllocaSize)
		w.bool(fn.HasReturn)

		w.u32(uint32(len(fn.Code)))
		for _, c := range fn.Code {
			w.u32(c)
		}

		w.u32(uint32(len(fn.ExceptionRanges)))
		for _, e := range fn.ExceptionRanges {
			w.u32(e.StartPC)
			w.u32(e.EndPC)
			w.u32(e.HandlerPC)
		}

		w.u32(uint32(len(fn.SwitchTables)))
		for _, st := range fn.SwitchTables {
			w.u32(st.DefaultPC)
			w.u32(uint32(len(st.Entries)))
			for _, e := range st.Entries {
				w.i64(e.Value)
				w.u32(e.TargetPC)
			}
		}

		w.u32(uint32(len(fn.LocalVars)))
		for _, lv := range fn.LocalVars {
			w.str(lv.Name)
			w.u32(lv.LocalIdx)
			w.u32(lv.StartPC)
			w.u32(lv.EndPC)
		}
		w.u32(fn.SourceFileIdx)
		w.u32(uint32(len(fn.LineTable)))
		for _, l := range fn.LineTable {
			w.u32(l)
		}
	}
	return w.buf
}

func decodeFunctions(data []byte) ([]Function, error) {
	r := &reader{buf: data}
	n := r.u32()
	fns := make([]Function, 0, n)
	for i := uint32(0); i < n; i++ {
		var fn Function
		fn.Name = r.str()
		fn.NumParams = r.u32()
		fn.NumLocals = r.u32()
		fn.MaxStack = r.u32()
		fn.AllocaSize = r.u32()
		fn.HasReturn = r.boolean()

		fn.Code = make([]uint32, r.u32())
		for j := range fn.Code {
			fn.Code[j] = r.u32()
		}

		fn.ExceptionRanges = make([]ExceptionRange, r.u32())
		for j := range fn.ExceptionRanges {
			fn.ExceptionRanges[j] = ExceptionRange{StartPC: r.u32(), EndPC: r.u32(), HandlerPC: r.u32()}
		}

		fn.SwitchTables = make([]SwitchTable, r.u32())
		for j := range fn.SwitchTables {
			st := SwitchTable{DefaultPC: r.u32()}
			st.Entries = make([]SwitchEntry, r.u32())
			for k := range st.Entries {
				st.Entries[k] = SwitchEntry{Value: r.i64(), TargetPC: r.u32()}
			}
			fn.SwitchTables[j] = st
		}

		fn.LocalVars = make([]LocalVarInfo, r.u32())
		for j := range fn.LocalVars {
			fn.LocalVars[j] = LocalVarInfo{Name: r.str(), LocalIdx: r.u32(), StartPC: r.u32(), EndPC: r.u32()}
		}
		fn.SourceFileIdx = r.u32()
		fn.LineTable = make([]uint32, r.u32())
		for j := range fn.LineTable {
			fn.LineTable[j] = r.u32()
		}

		fns = append(fns, fn)
	}
	return fns, r.err
}

func encodeNatives(natives []NativeFuncRef) []byte {
	w := &writer{}
	w.u32(uint32(len(natives)))
	for _, nf := range natives {
		w.str(nf.Name)
		w.u32(nf.ParamCount)
		w.bool(nf.HasReturn)
	}
	return w.buf
}

func decodeNatives(data []byte) ([]NativeFuncRef, error) {
	r := &reader{buf: data}
	n := r.u32()
	out := make([]NativeFuncRef, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, NativeFuncRef{Name: r.str(), ParamCount: r.u32(), HasReturn: r.boolean()})
	}
	return out, r.err
}

func encodeGlobals(globals []GlobalInfo) []byte {
	w := &writer{}
	w.u32(uint32(len(globals)))
	for _, g := range globals {
		w.str(g.Name)
		w.u32(g.Size)
		w.u32(g.Align)
		w.bytes(g.InitData)
	}
	return w.buf
}

func decodeGlobals(data []byte) ([]GlobalInfo, error) {
	r := &reader{buf: data}
	n := r.u32()
	out := make([]GlobalInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, GlobalInfo{Name: r.str(), Size: r.u32(), Align: r.u32(), InitData: r.bytes()})
	}
	return out, r.err
}

func encodeSourceFiles(files []SourceFileInfo) []byte {
	w := &writer{}
	w.u32(uint32(len(files)))
	for _, f := range files {
		w.str(f.Path)
		w.u32(f.Checksum)
	}
	return w.buf
}

func decodeSourceFiles(data []byte) ([]SourceFileInfo, error) {
	r := &reader{buf: data}
	n := r.u32()
	out := make([]SourceFileInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, SourceFileInfo{Path: r.str(), Checksum: r.u32()})
	}
	return out, r.err
}
