// Additional infrastructure to allow accessing a verified snapshot via
// FUSE. A snapshot has no serialized directory hierarchy of its own, just
// a flat, sorted list of file paths, so the directory tree is built in
// memory from those paths before mounting.
package main

import (
	"bytes"
	"context"
	"os"
	"strings"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/spf13/cobra"

	"github.com/relaypack/vaultkeep/chunkstore"
	"github.com/relaypack/vaultkeep/manifest"
	"github.com/relaypack/vaultkeep/vault"
)

var mountCmd = &cobra.Command{
	Use:   "mount <snapshot-id> <mountpoint>",
	Short: "Mount a verified snapshot read-only over FUSE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storeRoot()
		return dispatch(store, "mount", args, func(user string) error {
			s, err := vault.Open(store)
			if err != nil {
				return err
			}
			defer s.Close()

			if res := s.Verify(args[0]); !res.OK {
				return res.Reason
			}
			m, err := s.Manifest(args[0])
			if err != nil {
				return err
			}
			return mountFUSE(args[1], m, s.Chunks())
		})
	},
}

// snapshotDir is one directory level of the mounted snapshot tree.
type snapshotDir struct {
	name   string
	dirs   map[string]*snapshotDir
	files  map[string]*snapshotFile
	chunks *chunkstore.Store
}

type snapshotFile struct {
	entry  manifest.FileEntry
	chunks *chunkstore.Store
}

func buildTree(m manifest.Manifest, chunks *chunkstore.Store) *snapshotDir {
	root := &snapshotDir{name: "/", dirs: map[string]*snapshotDir{}, files: map[string]*snapshotFile{}, chunks: chunks}
	for _, f := range m.Files {
		parts := strings.Split(f.Path, "/")
		dir := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := dir.dirs[p]
			if !ok {
				next = &snapshotDir{name: p, dirs: map[string]*snapshotDir{}, files: map[string]*snapshotFile{}, chunks: chunks}
				dir.dirs[p] = next
			}
			dir = next
		}
		dir.files[parts[len(parts)-1]] = &snapshotFile{entry: f, chunks: chunks}
	}
	return root
}

func mountFUSE(mountpoint string, m manifest.Manifest, chunks *chunkstore.Store) error {
	conn, err := fuse.Mount(
		mountpoint,
		fuse.FSName("vaultkeepfs"),
		fuse.Subtype("vaultkeepfs"),
		fuse.VolumeName(m.SnapshotID),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	root := buildTree(m, chunks)
	if err := fs.Serve(conn, fsRoot{root}); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

type fsRoot struct{ root *snapshotDir }

func (r fsRoot) Root() (fs.Node, error) { return r.root, nil }

func (d *snapshotDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o500
	return nil
}

func (d *snapshotDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if sub, ok := d.dirs[name]; ok {
		return sub, nil
	}
	if f, ok := d.files[name]; ok {
		return f, nil
	}
	return nil, fuse.ENOENT
}

func (d *snapshotDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var out []fuse.Dirent
	for name := range d.dirs {
		out = append(out, fuse.Dirent{Name: name, Type: fuse.DT_Dir})
	}
	for name := range d.files {
		out = append(out, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	return out, nil
}

func (f *snapshotFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Size = uint64(f.entry.Size)
	a.Mode = 0o400
	return nil
}

func (f *snapshotFile) ReadAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.chunks.CopyTo(&buf, f.entry.Chunks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
