package event

import (
	"io/fs"
	"time"
)

// Type identifies the kind of change notification. Values match the wire
// codes sent by the server.
type Type int

const (
	Create Type = iota
	ChangeData
	ChangeMeta
	Delete
	Rename
	Overflow
	NoSpace
	AddTree
)

var typeNames = [...]string{
	Create:     "Create",
	ChangeData: "ChangeData",
	ChangeMeta: "ChangeMeta",
	Delete:     "Delete",
	Rename:     "Rename",
	Overflow:   "Overflow",
	NoSpace:    "NoSpace",
	AddTree:    "AddTree",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Valid reports whether t is a known wire code.
func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

// FileType identifies the kind of filesystem object an event or directory
// entry refers to. Values match the wire codes.
type FileType int

const (
	Regular FileType = iota
	Dir
	CharDevice
	BlockDevice
	Fifo
	Symlink
	Socket
	Unknown
)

var fileTypeNames = [...]string{
	Regular:     "regular",
	Dir:         "dir",
	CharDevice:  "char",
	BlockDevice: "block",
	Fifo:        "fifo",
	Symlink:     "symlink",
	Socket:      "socket",
	Unknown:     "unknown",
}

func (f FileType) String() string {
	if f >= 0 && int(f) < len(fileTypeNames) {
		return fileTypeNames[f]
	}
	return "unknown"
}

// Valid reports whether f is a known wire code.
func (f FileType) Valid() bool {
	return f >= 0 && int(f) < len(fileTypeNames)
}

// ParseFileType returns the file type with the given name.
func ParseFileType(name string) (FileType, bool) {
	for i, n := range fileTypeNames {
		if n == name {
			return FileType(i), true
		}
	}
	return Unknown, false
}

// FileTypeOf maps a local file mode to the wire file type.
func FileTypeOf(mode fs.FileMode) FileType {
	switch mode.Type() {
	case 0:
		return Regular
	case fs.ModeDir:
		return Dir
	case fs.ModeDevice | fs.ModeCharDevice:
		return CharDevice
	case fs.ModeDevice:
		return BlockDevice
	case fs.ModeNamedPipe:
		return Fifo
	case fs.ModeSymlink:
		return Symlink
	case fs.ModeSocket:
		return Socket
	default:
		return Unknown
	}
}

// Position marks how far into the server's durable event log the client has
// read or applied.
type Position struct {
	File   int64
	Offset int64
}

// Device is a device number split into its major and minor parts.
type Device struct {
	Major uint32
	Minor uint32
}

// Stat holds the metadata the server reports for an object.
type Stat struct {
	MTime time.Time
	Size  int64
	Mode  uint32 // permission bits and setuid/setgid/sticky, as octal on the wire
	UID   uint32
	GID   uint32
	Dev   Device
}

// ChangeEvent is one filesystem change notification stored in a Batch.
// Paths are interned handles into the owning batch.
type ChangeEvent struct {
	Stat
	From      Name
	To        Name
	Type      Type
	FileType  FileType
	StatValid bool
}

// Record is a decoded event with its paths as text and the log position
// immediately after it.
type Record struct {
	Stat
	FromPath  string // empty when the event has no path (Overflow, NoSpace)
	ToPath    string // rename target or symlink target; empty when absent
	Pos       Position
	Type      Type
	FileType  FileType
	StatValid bool
}

// DirEntry is one row of a directory listing, from the server or from the
// local filesystem.
type DirEntry struct {
	Stat
	Name     string
	Target   string // symlink target
	DevNo    uint64
	Ino      uint64
	FileType FileType
}

// Record builds a synthetic Create for entry e located at dir on the server.
func (e *DirEntry) Record(dir string) Record {
	r := Record{
		Stat:      e.Stat,
		FromPath:  joinPath(dir, e.Name),
		Type:      Create,
		FileType:  e.FileType,
		StatValid: true,
	}
	if e.FileType == Symlink {
		r.ToPath = e.Target
	}
	return r
}

func joinPath(dir, name string) string {
	switch {
	case dir == "":
		return name
	case dir[len(dir)-1] == '/':
		return dir + name
	default:
		return dir + "/" + name
	}
}
