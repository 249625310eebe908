package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sockpaste/pkg/domain"
	"sockpaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const stagingPrefix = "." + domain.IndexFile + "."

var (
	ErrExists    = errors.New("paste id taken")
	ErrInvalidID = errors.New("invalid paste id")
)

type Entry struct {
	ID      string
	ModTime time.Time
}

// FS keeps one directory per paste under root. Directory creation is the
// reservation; deleting tracks ids whose removal is in flight so they cannot
// be reserved again until it finishes.
type FS struct {
	root     string
	mu       sync.Mutex
	deleting map[string]struct{}
}

func Open(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create paste dir %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "stat paste dir %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("paste dir %s is not a directory", root)
	}
	if err := unix.Access(root, unix.W_OK|unix.X_OK); err != nil {
		return nil, errors.Wrapf(err, "paste dir %s not writable", root)
	}
	return &FS{root: root, deleting: make(map[string]struct{})}, nil
}

func (s *FS) Root() string { return s.root }

// Ping checks the root is still a writable directory.
func (s *FS) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(unix.Access(s.root, unix.W_OK|unix.X_OK), "paste dir not writable")
}

func (s *FS) dir(id string) string { return filepath.Join(s.root, id) }

// Path is the location of a paste's content file.
func (s *FS) Path(id string) string { return filepath.Join(s.root, id, domain.IndexFile) }

func (s *FS) Reserve(id string) error {
	if !util.IsID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.deleting[id]; busy {
		return ErrExists
	}
	if err := os.Mkdir(s.dir(id), 0o755); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return errors.Wrapf(err, "reserve %s", id)
	}
	return nil
}

// Write stores content in a reserved dir. Any failure removes the dir so a
// half-written paste never becomes visible.
func (s *FS) Write(id string, content []byte, createdAt time.Time) error {
	if err := s.writeIndex(id, content, createdAt); err != nil {
		if rmErr := os.RemoveAll(s.dir(id)); rmErr != nil {
			util.Error().Err(rmErr).Str("id", id).Msg("failed to roll back paste dir")
		}
		return err
	}
	return nil
}

func (s *FS) writeIndex(id string, content []byte, createdAt time.Time) error {
	dir := s.dir(id)
	tmp, err := os.CreateTemp(dir, stagingPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create staging file")
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write staging file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "sync staging file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close staging file")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "chmod staging file")
	}
	if err := os.Chtimes(tmp.Name(), createdAt, createdAt); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "set mtime")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, domain.IndexFile)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "publish index")
	}
	_ = syncDir(dir)
	return nil
}

func (s *FS) ReserveAndWrite(id string, content []byte, createdAt time.Time) error {
	if err := s.Reserve(id); err != nil {
		return err
	}
	return s.Write(id, content, createdAt)
}

func (s *FS) Exists(id string) bool {
	if !util.IsID(id) {
		return false
	}
	_, err := os.Stat(s.dir(id))
	return err == nil
}

// Delete removes the paste dir. A dir that is already gone is not an error.
func (s *FS) Delete(ctx context.Context, id string) error {
	if !util.IsID(id) {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.deleting[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.deleting, id)
		s.mu.Unlock()
	}()
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return errors.Wrapf(err, "delete %s", id)
	}
	return nil
}

// Enumerate lists committed pastes. Reservations without an index and stray
// staging files are removed on the way. Call it only while no writes are in
// flight.
func (s *FS) Enumerate() ([]Entry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "read paste dir %s", s.root)
	}
	out := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if !de.IsDir() || !util.IsID(de.Name()) {
			continue
		}
		id := de.Name()
		s.sweepStaging(id)
		info, err := os.Stat(s.Path(id))
		if os.IsNotExist(err) {
			util.Warn().Str("id", id).Msg("removing orphaned reservation")
			if err := os.RemoveAll(s.dir(id)); err != nil {
				util.Error().Err(err).Str("id", id).Msg("failed to remove orphaned reservation")
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", id)
		}
		out = append(out, Entry{ID: id, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

func (s *FS) sweepStaging(id string) {
	files, err := os.ReadDir(s.dir(id))
	if err != nil {
		return
	}
	for _, f := range files {
		if strings.HasPrefix(f.Name(), stagingPrefix) {
			os.Remove(filepath.Join(s.dir(id), f.Name()))
		}
	}
}

// IsPermanent reports errors that retrying will not fix.
func IsPermanent(err error) bool {
	return errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EROFS) ||
		errors.Is(err, ErrInvalidID)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
