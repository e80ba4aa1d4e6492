package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// region maps a contiguous range of the torrent's byte space onto one file.
type region struct {
	path   string
	file   afero.File
	offset int64
	length int64
}

type regions []region

// openRegions creates the directory tree and opens every file under
// dir/name. Single-file torrents pass an empty name.
func openRegions(fs afero.Fs, dir, name string, files []models.File) (regions, error) {
	if len(files) == 0 {
		return nil, errors.Wrap(ErrInvalidLayout, "no files")
	}

	var rs regions
	var offset int64
	for _, f := range files {
		path := filepath.Join(append([]string{dir, name}, f.Path...)...)
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			rs.close()
			return nil, errors.Wrapf(err, "create directory for %s", path)
		}
		file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			rs.close()
			return nil, errors.Wrapf(err, "open %s", path)
		}
		rs = append(rs, region{path: path, file: file, offset: offset, length: f.Length})
		offset += f.Length
	}
	return rs, nil
}

func (rs regions) writeAt(data []byte, off int64) error {
	for _, r := range rs {
		if len(data) == 0 {
			return nil
		}
		if off >= r.offset+r.length || off+int64(len(data)) <= r.offset {
			continue
		}
		local := off - r.offset
		n := min(int64(len(data)), r.length-local)
		if _, err := r.file.WriteAt(data[:n], local); err != nil {
			return errors.Wrapf(err, "write %s at %d", r.path, local)
		}
		data = data[n:]
		off += n
	}
	return nil
}

func (rs regions) readAt(buf []byte, off int64) error {
	for _, r := range rs {
		if len(buf) == 0 {
			return nil
		}
		if off >= r.offset+r.length || off+int64(len(buf)) <= r.offset {
			continue
		}
		local := off - r.offset
		n := min(int64(len(buf)), r.length-local)
		read, err := r.file.ReadAt(buf[:n], local)
		if err != nil && !(err == io.EOF && int64(read) == n) {
			return errors.Wrapf(err, "read %s at %d", r.path, local)
		}
		buf = buf[n:]
		off += n
	}
	return nil
}

// sized reports whether every file already has its final length.
func (rs regions) sized() (bool, error) {
	for _, r := range rs {
		info, err := r.file.Stat()
		if err != nil {
			return false, errors.Wrapf(err, "stat %s", r.path)
		}
		if info.Size() != r.length {
			return false, nil
		}
	}
	return true, nil
}

func (rs regions) allocate() error {
	for _, r := range rs {
		if err := r.file.Truncate(r.length); err != nil {
			return errors.Wrapf(err, "allocate %s", r.path)
		}
	}
	return nil
}

func (rs regions) close() error {
	var first error
	for _, r := range rs {
		if err := r.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
