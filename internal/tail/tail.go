package tail

import (
	"bufio"
	"context"
	"io"
	"os"

	"banwatch/internal/fault"
)

type Options struct {
	// MaxBacklogBytes bounds how much of an existing file is replayed
	// on first open. Zero replays the whole file.
	MaxBacklogBytes int64
	// MaxLineBytes truncates lines longer than this. Zero means 64 KiB.
	MaxLineBytes int
}

// Line is one raw log line plus the byte offset it ended at.
type Line struct {
	Text   string
	Offset int64
}

// Reader incrementally reads one growing log file. It owns the file's
// cursor; no two readers may tail the same file.
type Reader struct {
	path    string
	opts    Options
	file    *os.File
	br      *bufio.Reader
	info    os.FileInfo
	offset  int64
	partial []byte
}

func Open(path string, opts Options) (*Reader, error) {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 64 * 1024
	}
	r := &Reader{path: path, opts: opts}
	if err := r.open(true); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open(initial bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "open %s", r.path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fault.Wrap(fault.Unavailable, err, "stat %s", r.path)
	}
	r.file = f
	r.info = info
	r.offset = 0
	r.partial = nil
	if initial && r.opts.MaxBacklogBytes > 0 && info.Size() > r.opts.MaxBacklogBytes {
		start := info.Size() - r.opts.MaxBacklogBytes
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			_ = f.Close()
			r.file = nil
			return fault.Wrap(fault.Unavailable, err, "seek %s", r.path)
		}
		r.offset = start
	}
	r.br = bufio.NewReaderSize(f, 32*1024)
	if r.offset > 0 {
		// Dropped into the middle of the backlog: discard up to the
		// next line boundary so no torn line is emitted.
		skipped, err := r.br.ReadString('\n')
		if err == nil {
			r.offset += int64(len(skipped))
		}
	}
	return nil
}

func (r *Reader) reset() {
	if r.file != nil {
		_ = r.file.Close()
	}
	r.file = nil
	r.br = nil
	r.info = nil
	r.offset = 0
	r.partial = nil
}

// Poll returns up to maxLines newly appended lines. Rotation (file
// identity change or truncation below the cursor) restarts from offset
// zero of the new file. A missing or unreadable file surfaces as an
// Unavailable fault; callers decide whether to retry.
func (r *Reader) Poll(ctx context.Context, maxLines int) ([]Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxLines <= 0 {
		maxLines = 100
	}
	if r.file == nil {
		if err := r.open(false); err != nil {
			return nil, err
		}
	}
	if rotated, err := r.rotated(); err != nil {
		return nil, err
	} else if rotated {
		r.reset()
		if err := r.open(false); err != nil {
			return nil, err
		}
	}

	var out []Line
	for len(out) < maxLines {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		chunk, err := r.br.ReadString('\n')
		if len(chunk) > 0 {
			r.offset += int64(len(chunk))
		}
		if err == io.EOF {
			if len(chunk) > 0 {
				r.stash(chunk)
			}
			return out, nil
		}
		if err != nil {
			return out, fault.Wrap(fault.Unavailable, err, "read %s", r.path)
		}
		text := chunk[:len(chunk)-1]
		if len(text) > 0 && text[len(text)-1] == '\r' {
			text = text[:len(text)-1]
		}
		if len(r.partial) > 0 {
			text = string(r.partial) + text
			r.partial = nil
		}
		if len(text) > r.opts.MaxLineBytes {
			text = text[:r.opts.MaxLineBytes]
		}
		if text != "" {
			out = append(out, Line{Text: text, Offset: r.offset})
		}
	}
	return out, nil
}

func (r *Reader) rotated() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fault.Wrap(fault.Unavailable, err, "stat %s", r.path)
	}
	if !os.SameFile(r.info, info) {
		return true, nil
	}
	if info.Size() < r.offset {
		return true, nil
	}
	return false, nil
}

func (r *Reader) stash(chunk string) {
	if len(r.partial)+len(chunk) > r.opts.MaxLineBytes {
		keep := r.opts.MaxLineBytes - len(r.partial)
		if keep < 0 {
			keep = 0
		}
		chunk = chunk[:keep]
	}
	r.partial = append(r.partial, chunk...)
}

// Offset exposes the cursor for observability.
func (r *Reader) Offset() int64 {
	return r.offset
}

func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
