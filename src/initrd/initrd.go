// Package initrd parses the boot payload format spec.md §6 names as the
// root task launcher's (component M) image source: a small fixed
// header followed by fixed-size directory entries, each pointing at a
// flat binary or ELF64 body elsewhere in the same byte blob. No
// teacher or original_source equivalent is retrievable — the payload
// *packer* is explicitly out of scope (spec.md §1's "the in-tree
// example user program and the build-time payload packer"), but the
// at-boot parser consuming its output is squarely in scope, so this
// package is built directly from the documented binary layout using
// only encoding/binary.
package initrd

import (
	"encoding/binary"
	"fmt"
)

// Magic is the fixed header value at offset 0x00.
const Magic uint32 = 0x99999999

// headerSize is the fixed header length (magic, entry_count, and 8
// reserved bytes); entries begin immediately after it, at offset 0x10.
const headerSize = 0x10

// entrySize is the fixed directory-entry length: 1 (type) + 4 (offset)
// + 4 (size) + 32 (name) + 7 (padding) bytes.
const entrySize = 48

// Type identifies what kind of payload one entry carries.
type Type uint8

const (
	RootTask Type = 0
	Driver   Type = 1
	Server   Type = 2
	Test     Type = 3
	File     Type = 4
)

func (t Type) String() string {
	switch t {
	case RootTask:
		return "root"
	case Driver:
		return "driver"
	case Server:
		return "server"
	case Test:
		return "test"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

// Entry describes one payload directory entry (spec.md §6).
type Entry struct {
	Type   Type
	Offset uint32
	Size   uint32
	Name   string
}

// Image is a parsed payload: its directory plus the raw blob the
// offsets index into.
type Image struct {
	Entries []Entry
	raw     []byte
}

// Parse validates the header and decodes every directory entry.
// Per spec.md §6, the first entry must have type RootTask.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("initrd: payload shorter than header (%d bytes)", len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("initrd: bad magic %#x, want %#x", magic, Magic)
	}
	count := binary.LittleEndian.Uint32(data[4:8])

	need := headerSize + int(count)*entrySize
	if len(data) < need {
		return nil, fmt.Errorf("initrd: payload too small for %d entries (%d bytes, need %d)", count, len(data), need)
	}

	entries := make([]Entry, count)
	for i := uint32(0); i < count; i++ {
		off := headerSize + int(i)*entrySize
		ent := data[off : off+entrySize]

		nameBytes := ent[9:41]
		nameLen := 0
		for nameLen < len(nameBytes) && nameBytes[nameLen] != 0 {
			nameLen++
		}

		entries[i] = Entry{
			Type:   Type(ent[0]),
			Offset: binary.LittleEndian.Uint32(ent[1:5]),
			Size:   binary.LittleEndian.Uint32(ent[5:9]),
			Name:   string(nameBytes[:nameLen]),
		}
	}
	if count > 0 && entries[0].Type != RootTask {
		return nil, fmt.Errorf("initrd: first entry has type %v, want root", entries[0].Type)
	}

	return &Image{Entries: entries, raw: data}, nil
}

// RootTask returns the first entry of type RootTask, if any.
func (img *Image) RootTask() (Entry, bool) {
	for _, e := range img.Entries {
		if e.Type == RootTask {
			return e, true
		}
	}
	return Entry{}, false
}

// Data returns the byte range an entry names, bounds-checked against
// the parsed blob.
func (img *Image) Data(e Entry) ([]byte, error) {
	start := uint64(e.Offset)
	end := start + uint64(e.Size)
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("initrd: entry %q range [%d,%d) exceeds payload length %d", e.Name, start, end, len(img.raw))
	}
	return img.raw[start:end], nil
}
