// Package coredump reads ESP32 core dumps far enough to recover the SHA-256
// of the application image that crashed.
package coredump

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odvcencio/elfvault/pkg/fault"
)

// Format is the container a dump arrived in.
type Format string

const (
	FormatRaw    Format = "raw"
	FormatBase64 Format = "b64"
	FormatELF    Format = "elf"
)

const (
	// HeaderSize is the size of the partition header preceding the ELF.
	HeaderSize = 20

	// InfoNoteName and InfoNoteType identify the note carrying the app SHA.
	InfoNoteName = "ESP_CORE_DUMP_INFO"
	InfoNoteType = 8266

	shaFieldSize = 64
	elfMagic     = "\x7fELF"
)

// Dump is a decoded core dump.
type Dump struct {
	Format Format
	// Version is the partition header version word; zero for bare ELF input.
	Version uint32
	// InfoVersion is the version field of the info note.
	InfoVersion uint32
	Machine     elf.Machine
	// AppSHA256 is the (possibly truncated) image hash, empty if absent.
	AppSHA256 string
	ELF       []byte
}

// Load reads and decodes the dump at path.
func Load(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.IO, "read core dump", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("core dump %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a dump held in memory.
func Parse(data []byte) (*Dump, error) {
	d := &Dump{}
	switch {
	case bytes.HasPrefix(data, []byte(elfMagic)):
		d.Format = FormatELF
		d.ELF = data
	case looksBase64(data):
		raw, err := decodeBase64(data)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, "decode base64 dump", err)
		}
		d.Format = FormatBase64
		if err := d.fromPartition(raw); err != nil {
			return nil, err
		}
	default:
		d.Format = FormatRaw
		if err := d.fromPartition(data); err != nil {
			return nil, err
		}
	}

	if err := d.readInfo(); err != nil {
		return nil, err
	}
	return d, nil
}

// DumpMajor returns the dump format major number from the header version
// word: 0 for the legacy binary layout, 1 for ELF.
func DumpMajor(version uint32) uint32 {
	return (version >> 8) & 0xff
}

// fromPartition strips the partition header and locates the ELF payload.
func (d *Dump) fromPartition(raw []byte) error {
	if len(raw) < HeaderSize+len(elfMagic) {
		return fault.New(fault.Configuration, "parse core dump", "dump too short (%d bytes)", len(raw))
	}
	totLen := binary.LittleEndian.Uint32(raw[0:4])
	d.Version = binary.LittleEndian.Uint32(raw[4:8])

	if DumpMajor(d.Version) != 1 {
		return fault.New(fault.Configuration, "parse core dump",
			"unsupported dump version 0x%08x (only ELF core dumps carry the image hash)", d.Version)
	}

	end := len(raw)
	if int(totLen) > HeaderSize && int(totLen) <= len(raw) {
		end = int(totLen)
	}
	payload := raw[HeaderSize:end]
	if !bytes.HasPrefix(payload, []byte(elfMagic)) {
		return fault.New(fault.Configuration, "parse core dump", "no ELF payload after header")
	}
	d.ELF = payload
	return nil
}

func (d *Dump) readInfo() error {
	f, err := elf.NewFile(bytes.NewReader(d.ELF))
	if err != nil {
		return fault.Wrap(fault.Configuration, "parse core ELF", err)
	}
	defer f.Close()
	d.Machine = f.Machine

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return fault.Wrap(fault.Configuration, "read core note segment", err)
		}
		notes, err := parseNotes(data, f.ByteOrder)
		if err != nil {
			return fault.Wrap(fault.Configuration, "parse core notes", err)
		}
		for _, n := range notes {
			if n.name != InfoNoteName || n.typ != InfoNoteType {
				continue
			}
			if len(n.desc) < 4 {
				return fault.New(fault.Configuration, "parse core notes", "info note too short")
			}
			d.InfoVersion = f.ByteOrder.Uint32(n.desc[:4])
			sha := n.desc[4:]
			if len(sha) > shaFieldSize {
				sha = sha[:shaFieldSize]
			}
			d.AppSHA256 = strings.TrimSpace(string(bytes.TrimRight(sha, "\x00")))
			return nil
		}
	}
	return nil
}

type note struct {
	name string
	typ  uint32
	desc []byte
}

func parseNotes(data []byte, order binary.ByteOrder) ([]note, error) {
	var out []note
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, errors.New("truncated note header")
		}
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(uint64(namesz))
		if nameEnd > uint64(len(data)) {
			return nil, errors.New("truncated note name")
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		data = data[nameEnd:]

		if uint64(descsz) > uint64(len(data)) {
			return nil, errors.New("truncated note desc")
		}
		desc := data[:descsz]
		descEnd := min(align4(uint64(descsz)), uint64(len(data)))
		data = data[descEnd:]

		out = append(out, note{name: name, typ: typ, desc: desc})
	}
	return out, nil
}

// align4 works in uint64 so sizes near 4GiB cannot wrap.
func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

const uartMarker = "CORE DUMP"

func looksBase64(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, c := range data {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '\r', c == '\n', c == ' ', c == '\t':
		default:
			// UART captures wrap the payload in "==== CORE DUMP START ====" lines.
			return bytes.Contains(data, []byte(uartMarker)) && isPrintableText(data)
		}
	}
	return true
}

func isPrintableText(data []byte) bool {
	for _, c := range data {
		if c != '\n' && c != '\r' && c != '\t' && (c < 0x20 || c > 0x7e) {
			return false
		}
	}
	return true
}

func decodeBase64(data []byte) ([]byte, error) {
	var buf strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.Contains(line, uartMarker) {
			continue
		}
		buf.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(buf.String())
}

// WriteELF writes the core ELF into dir (or the system temp dir when empty)
// and returns the file path. The caller removes it.
func (d *Dump) WriteELF(dir string) (string, error) {
	if len(d.ELF) == 0 {
		return "", fault.New(fault.Configuration, "write core ELF", "dump has no ELF payload")
	}
	f, err := os.CreateTemp(dir, "core-*.elf")
	if err != nil {
		return "", fault.Wrap(fault.IO, "write core ELF", err)
	}
	if _, err := f.Write(d.ELF); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fault.Wrap(fault.IO, "write core ELF", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fault.Wrap(fault.IO, "write core ELF", err)
	}
	return f.Name(), nil
}
