package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// configPaths are the trees a config archive carries. opendkim.conf is
// a single file, the rest are directories.
var configPaths = []string{
	"/etc/postfix",
	"/etc/dovecot",
	"/etc/opendkim",
	"/etc/opendkim.conf",
	"/etc/spamassassin",
}

const (
	dkimTreePath  = "/etc/mail/dkim-keys"
	mailboxesPath = "/var/mail/vhosts"
)

// TarArchiver reads from and extracts to the filesystem below root.
// Entry names are system paths without the leading slash, so an
// archive unpacked at root "/" puts everything back in place.
type TarArchiver struct {
	root string
}

func NewTarArchiver() *TarArchiver { return &TarArchiver{root: "/"} }

// Archive writes a gzipped tar of the selected trees to dst. Paths
// that do not exist on this host are skipped, matching a fresh
// install where some services are not configured yet.
func (a *TarArchiver) Archive(dst string, opts Options) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	werr := a.appendAll(tw, opts)
	if cerr := tw.Close(); werr == nil {
		werr = cerr
	}
	if cerr := gz.Close(); werr == nil {
		werr = cerr
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(dst)
		return werr
	}
	return nil
}

func (a *TarArchiver) appendAll(tw *tar.Writer, opts Options) error {
	var paths []string
	if opts.Config {
		paths = append(paths, configPaths...)
	}
	if opts.DKIM {
		paths = append(paths, dkimTreePath)
	}
	if opts.Mailboxes {
		paths = append(paths, mailboxesPath)
	}

	for _, sysPath := range paths {
		if err := a.appendTree(tw, sysPath); err != nil {
			return fmt.Errorf("archive %s: %w", sysPath, err)
		}
	}
	return nil
}

func (a *TarArchiver) appendTree(tw *tar.Writer, sysPath string) error {
	base := filepath.Join(a.root, sysPath)
	info, err := os.Lstat(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	name := strings.TrimPrefix(sysPath, "/")
	if !info.IsDir() {
		return a.appendEntry(tw, base, name, info)
	}
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		entryName := name
		if rel != "." {
			entryName = name + "/" + filepath.ToSlash(rel)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return a.appendEntry(tw, p, entryName, fi)
	})
}

func (a *TarArchiver) appendEntry(tw *tar.Writer, full, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(full); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(full)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

// Unpack extracts an archive below the archiver's root. Every entry is
// vetted in a first pass before anything is written, so an archive
// with a single unsafe name restores nothing at all.
func (a *TarArchiver) Unpack(src string) error {
	if err := a.scan(src); err != nil {
		return err
	}
	return a.extract(src)
}

func (a *TarArchiver) scan(src string) error {
	return a.walkArchive(src, func(hdr *tar.Header, _ *tar.Reader) error {
		if unsafeName(hdr.Name) {
			return fmt.Errorf("archive contains unsafe path: %s", hdr.Name)
		}
		if hdr.Typeflag == tar.TypeSymlink && unsafeName(hdr.Linkname) {
			return fmt.Errorf("archive contains unsafe link target: %s", hdr.Linkname)
		}
		return nil
	})
}

func (a *TarArchiver) extract(src string) error {
	return a.walkArchive(src, func(hdr *tar.Header, tr *tar.Reader) error {
		target := filepath.Join(a.root, hdr.Name)
		mode := fs.FileMode(hdr.Mode) & 0o777

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, mode|0o700)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(hdr.Linkname, target)
		default:
			log.Printf("backup: skipping archive entry %s (type %c)", hdr.Name, hdr.Typeflag)
			return nil
		}
	})
}

func (a *TarArchiver) walkArchive(src string, fn func(*tar.Header, *tar.Reader) error) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// unsafeName reports whether a tar entry name could escape the
// extraction root: absolute paths and any parent-directory component.
func unsafeName(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
