package analyze

import "fmt"

// Reason tags why the analyzer could not produce a report.
type Reason int

const (
	ReasonFailed Reason = iota
	ReasonAnalyzerMissing
	ReasonGDBMissing
	ReasonTimeout
	ReasonBadInput
)

func (r Reason) String() string {
	switch r {
	case ReasonAnalyzerMissing:
		return "analyzer missing"
	case ReasonGDBMissing:
		return "gdb missing"
	case ReasonTimeout:
		return "timeout"
	case ReasonBadInput:
		return "bad input"
	default:
		return "failed"
	}
}

// Error is returned by Runner.Run, wrapped in a fault.Delegate error.
type Error struct {
	Reason   Reason
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Reason == ReasonFailed && e.ExitCode > 0 {
		return fmt.Sprintf("analyzer exited with status %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hints returns remediation text for reason.
func Hints(reason Reason) []string {
	switch reason {
	case ReasonGDBMissing:
		return []string{
			"pass the debugger explicitly: --gdb path/to/xtensa-esp32s3-elf-gdb",
			"check the ESP-IDF install, or point --ps-profile at its export script",
			"install the toolchain with the ESP-IDF tools installer (idf_tools.py install)",
		}
	case ReasonAnalyzerMissing:
		return []string{
			"install the analyzer: pip install esp-coredump",
			"or set [analyze] analyzer in elfvault.toml to its path",
		}
	case ReasonTimeout:
		return []string{"raise [analyze] timeout in elfvault.toml"}
	case ReasonBadInput:
		return []string{"check that the dump was saved in ELF format (CONFIG_ESP_COREDUMP_DATA_FORMAT_ELF)"}
	default:
		return []string{"try naming the image explicitly: --prog build/elf/<env>/<sha256>.elf"}
	}
}
