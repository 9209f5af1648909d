// Package errno defines the kernel error namespace shared by the
// monitor, the file client and the file server. Values travel on the
// wire as negated int32 results.
package errno

import "fmt"

// Errno is a kernel error code. The zero value means "no error" and is
// never a valid code.
type Errno int32

const (
	Unspecified Errno = 1 + iota // unspecified or unknown problem
	BadEnv                       // environment doesn't exist or can't be used
	Inval                        // invalid parameter
	NoMem                        // request failed due to memory shortage
	NoFreeEnv                    // attempt to create a new environment beyond the maximum
	Fault                        // memory fault

	IPCNotRecv // attempt to send to env that is not receiving
	EOF        // unexpected end of file

	// File system error codes, only seen user-side.
	NoDisk     // no free space left on disk
	MaxOpen    // too many files are open
	NotFound   // file or block not found
	BadPath    // bad path
	FileExists // file already exists
	NotExec    // file not a valid executable
	NotSupp    // operation not supported
)

var errorString = [...]string{
	Unspecified: "unspecified error",
	BadEnv:      "bad environment",
	Inval:       "invalid parameter",
	NoMem:       "out of memory",
	NoFreeEnv:   "out of environments",
	Fault:       "segmentation fault",
	IPCNotRecv:  "env is not recving",
	EOF:         "unexpected end of file",
	NoDisk:      "no free space on disk",
	MaxOpen:     "too many files are open",
	NotFound:    "file or block not found",
	BadPath:     "bad path",
	FileExists:  "file already exists",
	NotExec:     "file is not a valid executable",
	NotSupp:     "operation not supported",
}

func (e Errno) Error() string {
	if 0 < e && int(e) < len(errorString) {
		return errorString[e]
	}
	return fmt.Sprintf("error %d", int32(e))
}

// Wire returns the on-wire form of e, the negated code.
func (e Errno) Wire() int32 {
	return -int32(e)
}

// FromWire interprets a server result value. Results zero or greater
// are successes and map to nil; negative results carry a negated code.
func FromWire(v int32) error {
	if v >= 0 {
		return nil
	}
	return Errno(-v)
}
