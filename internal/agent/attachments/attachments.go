// Package attachments unpacks job attachment archives under the rundir with
// a strict member filter. Archives come from submitters and must be treated
// as hostile: members may not escape the destination, may not be special
// files, may not link outside the tree, and have their modes sanitized
// before anything touches the disk.
//
// After a successful unpack the job document is scrubbed: the attachment
// bookkeeping is removed from each phase's data block so tooling that keys
// off phase-data presence sees only what it should act on.
package attachments

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/canonical/testflinger/internal/types"
)

// Dir is the rundir subdirectory attachment archives unpack into.
const Dir = "attachments"

// allowedRoots are the only top-level directories an archive member may live
// under, matching the phases that can reference attachments.
var allowedRoots = map[string]bool{
	"provision":       true,
	"firmware_update": true,
	"test":            true,
}

// Extract unpacks the gzipped tar archive in r under dest, passing every
// member through the security filter. The first rejected member aborts the
// extraction: a submitter shipping one hostile path forfeits the whole
// archive.
func Extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("attachments: open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("attachments: read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			// pax_global_header entries carry metadata, not files.
			continue
		}
		clean, reason := filterMember(hdr)
		if reason != "" {
			return fmt.Errorf("attachments: rejected member %q: %s", hdr.Name, reason)
		}
		if err := writeMember(tr, clean, dest); err != nil {
			return fmt.Errorf("attachments: extract %q: %w", clean.Name, err)
		}
	}
	return nil
}

// filterMember validates one member and returns a sanitized copy, or a
// non-empty reason when the member must be rejected. It is a pure function
// over the header so the policy can be tested without touching the disk.
//
// The sanitized mode drops setuid/setgid/sticky and group/other write bits;
// regular files and hard links additionally lose their executable bits
// unless user-executable was set, and always gain owner read/write.
// Ownership fields are cleared: everything extracts as the agent user.
func filterMember(hdr *tar.Header) (*tar.Header, string) {
	name := path.Clean(hdr.Name)
	if path.IsAbs(name) {
		return nil, "absolute path"
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return nil, "path escapes the attachments directory"
	}
	root, _, _ := strings.Cut(name, "/")
	if !allowedRoots[root] {
		return nil, fmt.Sprintf("unexpected top-level entry %q", root)
	}

	switch hdr.Typeflag {
	case tar.TypeDir, tar.TypeReg:
	case tar.TypeSymlink:
		if path.IsAbs(hdr.Linkname) {
			return nil, "absolute symlink target"
		}
		resolved := path.Clean(path.Join(path.Dir(name), hdr.Linkname))
		if resolved == ".." || strings.HasPrefix(resolved, "../") {
			return nil, "symlink target escapes the attachments directory"
		}
	case tar.TypeLink:
		target := path.Clean(hdr.Linkname)
		if path.IsAbs(hdr.Linkname) || target == ".." || strings.HasPrefix(target, "../") {
			return nil, "hard link target escapes the attachments directory"
		}
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return nil, "special file"
	default:
		return nil, "unsupported member type"
	}

	mode := hdr.Mode & 0o777
	mode &^= 0o022
	if hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeLink {
		if mode&0o100 == 0 {
			mode &^= 0o111
		}
		mode |= 0o600
	}

	clean := *hdr
	clean.Name = name
	clean.Mode = mode
	clean.Uid = 0
	clean.Gid = 0
	clean.Uname = ""
	clean.Gname = ""
	return &clean, ""
}

// writeMember materializes one filtered member under dest.
func writeMember(tr *tar.Reader, hdr *tar.Header, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(hdr.Name))

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		return os.Link(filepath.Join(dest, filepath.FromSlash(hdr.Linkname)), target)
	}
	return nil
}

// ScrubSpec removes attachment bookkeeping from a dispatched job document:
// every "<phase>_data" block loses its "attachments" key, and blocks left
// empty disappear entirely. The document is modified in place.
func ScrubSpec(doc map[string]any) {
	for _, phase := range types.AllPhases {
		key := string(phase) + "_data"
		block, ok := doc[key].(map[string]any)
		if !ok {
			continue
		}
		delete(block, "attachments")
		if len(block) == 0 {
			delete(doc, key)
		}
	}
}
