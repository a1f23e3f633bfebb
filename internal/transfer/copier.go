// Package transfer materializes one server object at a local path: regular
// files through a staging file filled block by block or from a delta,
// everything else by creating the node directly.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bamsammich/mirror/internal/codec"
	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/platform"
	"github.com/bamsammich/mirror/internal/stats"
)

// DefaultBlockSize is the size of each DATA and CHECKSUM request.
const DefaultBlockSize = 64 * 1024

// ErrVerify is returned when the staged file does not match the server's
// whole-file checksum.
var ErrVerify = errors.New("verification failed")

// Result is the outcome of a Copy.
type Result int

const (
	ResultFailed  Result = iota // the error explains why
	ResultCopied                // data and metadata are in place
	ResultSkipped               // the destination already matched
)

var resultNames = [...]string{
	ResultFailed:  "failed",
	ResultCopied:  "copied",
	ResultSkipped: "skipped",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown"
}

// Server is the part of the protocol client the copier drives. Calls are
// strictly sequential.
type Server interface {
	Open(path string) error
	CloseFile() error
	Data(offset, length int64, buf []byte) ([]byte, int, error)
	ChecksumRange(offset, length int64) (int64, string, error)
	SendSignature(chunk []byte) (int, error)
	Delta(buf []byte) ([]byte, int, error)
	Checksum() *codec.Checksum
}

// Config controls copier behavior.
type Config struct {
	Server Server
	// External receives the NUL-terminated relative path of every regular
	// file instead of pulling its data. Nil disables delegation.
	External  io.Writer
	Stats     *stats.Collector
	Logger    *slog.Logger
	Meta      localfs.MetaOptions
	BlockSize int
	// SkipMatching treats a local regular file with the source's size and
	// mtime as already transferred.
	SkipMatching bool
	Delta        bool
	Verify       bool
}

// Request describes one object to reproduce locally.
type Request struct {
	Local    *event.DirEntry // current local object; nil when absent
	Src      string          // server path
	Dst      string          // local path
	Rel      string          // path relative to the local root
	Target   string          // symlink target
	Stat     event.Stat
	FileType event.FileType
}

// Copier reproduces server objects locally. It is not safe for concurrent
// use.
type Copier struct {
	cfg   Config
	log   *slog.Logger
	temps tempRegistry
	buf   []byte
}

// New returns a Copier.
func New(cfg Config) *Copier {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Copier{cfg: cfg, log: log, buf: make([]byte, 0, cfg.BlockSize)}
}

// Cleanup removes staging files left by transfers that never finished.
func (c *Copier) Cleanup() {
	if n := c.temps.cleanup(); n > 0 {
		c.log.Info("removed staging files", "count", n)
	}
}

// Copy makes req.Dst a copy of req.Src. Failures are scoped to this object:
// the caller decides from the error whether the connection is still usable.
func (c *Copier) Copy(req *Request) (Result, error) {
	var res Result
	var err error
	switch req.FileType {
	case event.Regular:
		res, err = c.copyRegular(req)
	default:
		res, err = c.makeNode(req)
	}

	switch res {
	case ResultCopied:
		c.cfg.Stats.AddFilesCopied(1)
	case ResultSkipped:
		c.cfg.Stats.AddFilesSkipped(1)
	case ResultFailed:
		c.cfg.Stats.AddFilesFailed(1)
	}
	return res, err
}

// Matching reports whether local already holds the content of a regular
// file described by st. Modification times match to the second.
func Matching(local *event.DirEntry, st *event.Stat) bool {
	return local != nil && local.FileType == event.Regular &&
		local.Size == st.Size && localfs.SameMTime(local.MTime, st.MTime)
}

func (c *Copier) makeNode(req *Request) (Result, error) {
	if req.FileType == event.Socket || req.FileType == event.Unknown || !req.FileType.Valid() {
		return ResultFailed, fmt.Errorf("%w: %s at %s", localfs.ErrUnsupportedType, req.FileType, req.Src)
	}
	if req.Local != nil && localfs.Matches(req.Local, req.FileType, req.Target) {
		return ResultSkipped, nil
	}
	if err := localfs.MakeNode(req.Dst, req.FileType, &req.Stat, req.Target); err != nil {
		return ResultFailed, err
	}

	have, err := localfs.Lstat(req.Dst)
	if err != nil {
		return ResultFailed, err
	}
	if _, err := localfs.SyncMetadata(req.Dst, &have, &req.Stat, c.cfg.Meta); err != nil {
		c.log.Warn("set metadata", "path", req.Dst, "error", err)
	}
	return ResultCopied, nil
}

func (c *Copier) copyRegular(req *Request) (Result, error) {
	if c.cfg.SkipMatching && Matching(req.Local, &req.Stat) {
		return ResultSkipped, nil
	}

	if c.cfg.External != nil {
		if _, err := fmt.Fprintf(c.cfg.External, "%s\x00", req.Rel); err != nil {
			return ResultFailed, fmt.Errorf("external copy %s: %w", req.Rel, err)
		}
		return ResultCopied, nil
	}

	if err := c.cfg.Server.Open(req.Src); err != nil {
		return ResultFailed, fmt.Errorf("open %s: %w", req.Src, err)
	}
	err := c.stage(req)
	if cerr := c.cfg.Server.CloseFile(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", req.Src, cerr)
	}
	if err != nil {
		return ResultFailed, err
	}
	return ResultCopied, nil
}

// stage fills a staging file next to the destination and renames it into
// place. The staging file is removed on every failure path.
func (c *Copier) stage(req *Request) error {
	dir := filepath.Dir(req.Dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir %s: %w", dir, err)
	}

	tmpPath := localfs.TempName(req.Dst)
	c.temps.add(tmpPath)
	defer func() {
		c.temps.remove(tmpPath)
		_ = os.Remove(tmpPath) // no-op if rename succeeded
	}()

	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create tmp %s: %w", tmpPath, err)
	}
	platform.Preallocate(tmp, req.Stat.Size)

	if err := c.fill(req, tmp); err != nil {
		tmp.Close()
		return err
	}

	if c.cfg.Verify {
		if err := c.verify(tmp, req.Stat.Size); err != nil {
			tmp.Close()
			return fmt.Errorf("%s: %w", req.Src, err)
		}
	}

	// Set metadata before rename.
	if err := localfs.SetFileMetadata(tmp, &req.Stat, c.cfg.Meta); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp %s: %w", tmpPath, err)
	}

	if req.Local != nil && req.Local.FileType != event.Regular {
		if _, err := localfs.Remove(req.Dst); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpPath, req.Dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, req.Dst, err)
	}
	return nil
}

// fill writes the source content into tmp, from a delta when possible and
// block by block otherwise.
func (c *Copier) fill(req *Request, tmp *os.File) error {
	local, basis, err := c.openBasis(req)
	if err != nil {
		return err
	}
	if local != nil {
		defer func() {
			_ = platform.Unmap(basis)
			local.Close()
		}()
	}

	if c.cfg.Delta && basis != nil {
		return c.deltaInto(req, basis, tmp)
	}
	return c.blocksInto(req, local, basis, tmp)
}

// openBasis maps the existing local regular file, if any. A file that
// cannot be mapped is ignored: the transfer falls back to pulling data.
func (c *Copier) openBasis(req *Request) (*os.File, []byte, error) {
	if req.Local == nil || req.Local.FileType != event.Regular || req.Local.Size == 0 {
		return nil, nil, nil
	}
	if !c.cfg.Delta && c.cfg.Server.Checksum() == nil {
		return nil, nil, nil
	}
	f, err := os.Open(req.Dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", req.Dst, err)
	}
	basis, err := platform.MapFile(f, req.Local.Size)
	if err != nil {
		c.log.Debug("no local view", "path", req.Dst, "error", err)
		f.Close()
		return nil, nil, nil
	}
	return f, basis, nil
}

// blocksInto pulls the source in fixed-size blocks. A block whose server
// checksum matches the same range of the local file is copied locally.
func (c *Copier) blocksInto(req *Request, local *os.File, basis []byte, tmp *os.File) error {
	sum := c.cfg.Server.Checksum()
	size := req.Stat.Size
	bs := int64(c.cfg.BlockSize)

	for off := int64(0); off < size; {
		n := min(bs, size-off)

		if sum != nil && off+n <= int64(len(basis)) {
			got, digest, err := c.cfg.Server.ChecksumRange(off, n)
			if err != nil {
				return fmt.Errorf("checksum %s at %d: %w", req.Src, off, err)
			}
			if got == n && digest == sum.Hex(basis[off:off+n]) {
				res, err := platform.CopyRange(platform.RangeParams{Dst: tmp, Src: local, Offset: off, Length: n})
				if err != nil {
					return fmt.Errorf("local copy %s at %d: %w", req.Dst, off, err)
				}
				c.cfg.Stats.AddBytesLocal(res.BytesWritten)
				c.cfg.Stats.AddBytesLogical(res.BytesWritten)
				off += n
				continue
			}
		}

		data, wire, err := c.cfg.Server.Data(off, n, c.buf)
		c.cfg.Stats.AddBytesWire(int64(wire))
		if err != nil {
			return fmt.Errorf("data %s at %d: %w", req.Src, off, err)
		}
		if _, err := tmp.WriteAt(data, off); err != nil {
			return fmt.Errorf("write %s: %w", tmp.Name(), err)
		}
		c.buf = data[:0]
		c.cfg.Stats.AddBytesLogical(int64(len(data)))
		off += int64(len(data))
	}
	return tmp.Truncate(size)
}

// verify compares the staged content with the server's whole-file digest.
func (c *Copier) verify(tmp *os.File, size int64) error {
	sum := c.cfg.Server.Checksum()
	if sum == nil {
		return nil
	}
	got, digest, err := c.cfg.Server.ChecksumRange(0, size)
	if err != nil {
		return fmt.Errorf("verify checksum: %w", err)
	}
	local, err := sum.File(tmp.Name(), size)
	if err != nil {
		return err
	}
	if got != size || digest != local {
		return fmt.Errorf("%w: server %s (%d bytes), local %s", ErrVerify, digest, got, local)
	}
	return nil
}
