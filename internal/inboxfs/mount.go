//go:build linux || darwin

package inboxfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type MountOptions struct {
	AllowOther bool
	Debug      bool
	Logger     *zerolog.Logger
}

// Mount is a live inbox mount. Files are rendered on every open, so readers
// always see the current store contents.
type Mount struct {
	server *fuse.Server
	dir    string
	logger zerolog.Logger
}

type rootNode struct {
	fs.Inode
	view View
}

var _ = (fs.NodeOnAdder)((*rootNode)(nil))

func (r *rootNode) OnAdd(ctx context.Context) {
	for _, f := range files {
		child := r.NewPersistentInode(ctx, &fileNode{view: r.view, render: f.render}, fs.StableAttr{Mode: fuse.S_IFREG})
		r.AddChild(f.name, child, false)
	}
}

type fileNode struct {
	fs.Inode
	view   View
	render func(View) []byte
}

var (
	_ = (fs.NodeOpener)((*fileNode)(nil))
	_ = (fs.NodeGetattrer)((*fileNode)(nil))
)

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return &snapshotHandle{data: f.render(f.view)}, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0o444
	if h, ok := fh.(*snapshotHandle); ok {
		out.Size = uint64(len(h.data))
	} else {
		out.Size = uint64(len(f.render(f.view)))
	}
	return fs.OK
}

// snapshotHandle pins the content rendered at open time for the life of
// the handle.
type snapshotHandle struct {
	data []byte
}

var _ = (fs.FileReader)((*snapshotHandle)(nil))

func (h *snapshotHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), fs.OK
}

// MountInbox mounts view at dir. The directory must exist and be accessible
// to the current user.
func MountInbox(dir string, view View, opts MountOptions) (*Mount, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat mountpoint: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mountpoint %s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("mountpoint %s not accessible: %w", dir, err)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "inboxfs").Logger()
	}
	noCache := time.Duration(0)
	server, err := fs.Mount(dir, &rootNode{view: view}, &fs.Options{
		EntryTimeout: &noCache,
		AttrTimeout:  &noCache,
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     "handoversync",
			Name:       "inbox",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount inbox at %s: %w", dir, err)
	}
	logger.Info().Str("dir", dir).Msg("inbox mounted")
	return &Mount{server: server, dir: dir, logger: logger}, nil
}

func (m *Mount) Dir() string {
	return m.dir
}

func (m *Mount) Wait() {
	m.server.Wait()
}

func (m *Mount) Unmount() error {
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", m.dir, err)
	}
	m.logger.Info().Str("dir", m.dir).Msg("inbox unmounted")
	return nil
}
