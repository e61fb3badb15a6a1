package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/fault"
)

func chdirForTest(t *testing.T, dir string) func() {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	return func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("Chdir(%s): %v", wd, err)
		}
	}
}

// newProject creates a working directory with an elfvault.toml that limits
// the search to ./build so nothing outside the temp dir is consulted.
func newProject(t *testing.T, extraConfig string) string {
	t.Helper()
	t.Setenv("PIOENV", "")
	t.Setenv("ELFVAULT_ARCHIVE_ROOT", "")
	t.Setenv("S3_BUCKET", "")
	dir := t.TempDir()
	conf := "search_dirs = [\"build\"]\n" + extraConfig
	writeCmdFile(t, filepath.Join(dir, "elfvault.toml"), []byte(conf))
	return dir
}

func writeCmdFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeCoreDump writes a bare ELF core whose info note records sha.
func writeCoreDump(t *testing.T, path, sha string) {
	t.Helper()

	nameBytes := []byte("ESP_CORE_DUMP_INFO\x00")
	desc := make([]byte, 4+64)
	binary.LittleEndian.PutUint32(desc, 2)
	copy(desc[4:], sha)

	var note bytes.Buffer
	binary.Write(&note, binary.LittleEndian, uint32(len(nameBytes)))
	binary.Write(&note, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&note, binary.LittleEndian, uint32(8266))
	note.Write(nameBytes)
	note.Write(make([]byte, (4-len(nameBytes)%4)%4))
	note.Write(desc)

	const ehsize, phentsize = 52, 32
	hdr := elf.Header32{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_XTENSA),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], "\x7fELF")
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog32{Type: uint32(elf.PT_NOTE), Off: ehsize + phentsize, Filesz: uint32(note.Len())}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, &prog); err != nil {
		t.Fatalf("write prog: %v", err)
	}
	buf.Write(note.Bytes())
	writeCmdFile(t, path, buf.Bytes())
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, newVersionCmd())
	if err != nil {
		t.Fatalf("version Execute: %v", err)
	}
	if out != "elfvault "+version+"\n" {
		t.Fatalf("version output = %q", out)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"analyze", "archive", "coreinfo", "export", "import", "locate", "ls", "push", "verify", "version", "watch"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("root.Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestPrintErrorIncludesHints(t *testing.T) {
	err := fault.New(fault.NotFound, "locate", "no image").WithHints("pass --prog", "add --elf-dir")
	var errOut, out bytes.Buffer
	printError(&errOut, &out, err)

	if !strings.Contains(errOut.String(), "no image") {
		t.Fatalf("stderr = %q, want error text", errOut.String())
	}
	if !strings.Contains(out.String(), "pass --prog") || !strings.Contains(out.String(), "add --elf-dir") {
		t.Fatalf("stdout = %q, want hints", out.String())
	}
	if fault.ExitCode(err) != 1 {
		t.Fatalf("ExitCode = %d, want 1", fault.ExitCode(err))
	}
	if fault.ExitCode(nil) != 0 {
		t.Fatalf("ExitCode(nil) != 0")
	}
}
