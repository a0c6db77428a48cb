package attachments

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type member struct {
	name     string
	typeflag byte
	mode     int64
	linkname string
	body     string
}

func buildArchive(t *testing.T, members ...member) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		hdr := &tar.Header{
			Name:     m.name,
			Typeflag: m.typeflag,
			Mode:     m.mode,
			Linkname: m.linkname,
			Size:     int64(len(m.body)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if m.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractUnpacksAllowedTree(t *testing.T) {
	dest := t.TempDir()
	archive := buildArchive(t,
		member{name: "provision", typeflag: tar.TypeDir, mode: 0o755},
		member{name: "provision/image.url", typeflag: tar.TypeReg, mode: 0o644, body: "http://cdimage/noble.img\n"},
		member{name: "test/run.sh", typeflag: tar.TypeReg, mode: 0o755, body: "#!/bin/sh\necho ok\n"},
		member{name: "firmware_update/fw.bin", typeflag: tar.TypeReg, mode: 0o600, body: "\x00\x01"},
	)

	require.NoError(t, Extract(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "provision", "image.url"))
	require.NoError(t, err)
	assert.Equal(t, "http://cdimage/noble.img\n", string(data))

	info, err := os.Stat(filepath.Join(dest, "test", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "user-executable scripts stay executable")

	info, err = os.Stat(filepath.Join(dest, "firmware_update", "fw.bin"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o111, "non-executable files stay non-executable")
}

func TestExtractSanitizesModes(t *testing.T) {
	dest := t.TempDir()
	archive := buildArchive(t,
		member{name: "test/wide-open", typeflag: tar.TypeReg, mode: 0o4777, body: "x"},
		member{name: "test/read-only", typeflag: tar.TypeReg, mode: 0o444, body: "x"},
	)

	require.NoError(t, Extract(archive, dest))

	info, err := os.Stat(filepath.Join(dest, "test", "wide-open"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSetuid, "setuid is stripped")
	assert.Zero(t, info.Mode().Perm()&0o022, "group/other write is stripped")

	info, err = os.Stat(filepath.Join(dest, "test", "read-only"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm()&0o600,
		"owner read/write is forced so the agent can clean up")
}

func TestExtractRejectsHostileMembers(t *testing.T) {
	tests := []struct {
		name   string
		member member
		reason string
	}{
		{
			name:   "traversal",
			member: member{name: "test/../../evil", typeflag: tar.TypeReg, mode: 0o644, body: "x"},
			reason: "escapes",
		},
		{
			name:   "absolute path",
			member: member{name: "/etc/passwd", typeflag: tar.TypeReg, mode: 0o644, body: "x"},
			reason: "absolute",
		},
		{
			name:   "foreign root",
			member: member{name: "docs/readme.md", typeflag: tar.TypeReg, mode: 0o644, body: "x"},
			reason: "top-level",
		},
		{
			name:   "fifo",
			member: member{name: "test/pipe", typeflag: tar.TypeFifo, mode: 0o644},
			reason: "special file",
		},
		{
			name:   "escaping symlink",
			member: member{name: "provision/link", typeflag: tar.TypeSymlink, linkname: "../../etc/shadow"},
			reason: "escapes",
		},
		{
			name:   "absolute symlink",
			member: member{name: "provision/link", typeflag: tar.TypeSymlink, linkname: "/etc/shadow"},
			reason: "absolute",
		},
		{
			name:   "escaping hard link",
			member: member{name: "test/link", typeflag: tar.TypeLink, linkname: "../outside"},
			reason: "escapes",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dest := t.TempDir()
			err := Extract(buildArchive(t, tc.member), dest)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.reason)

			entries, readErr := os.ReadDir(dest)
			require.NoError(t, readErr)
			assert.Empty(t, entries, "nothing is extracted from a rejected archive")
		})
	}
}

func TestExtractAllowsInternalLinks(t *testing.T) {
	dest := t.TempDir()
	archive := buildArchive(t,
		member{name: "provision/image.url", typeflag: tar.TypeReg, mode: 0o644, body: "x"},
		member{name: "provision/alias", typeflag: tar.TypeSymlink, linkname: "image.url"},
		member{name: "provision/copy", typeflag: tar.TypeLink, linkname: "provision/image.url"},
	)

	require.NoError(t, Extract(archive, dest))

	target, err := os.Readlink(filepath.Join(dest, "provision", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "image.url", target)

	data, err := os.ReadFile(filepath.Join(dest, "provision", "copy"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestFilterMemberModes(t *testing.T) {
	tests := []struct {
		name string
		hdr  tar.Header
		mode int64
	}{
		{
			name: "setuid binary loses setuid but keeps exec",
			hdr:  tar.Header{Name: "test/tool", Typeflag: tar.TypeReg, Mode: 0o4755},
			mode: 0o755,
		},
		{
			name: "group-writable file tightens up",
			hdr:  tar.Header{Name: "test/notes", Typeflag: tar.TypeReg, Mode: 0o666},
			mode: 0o644,
		},
		{
			name: "group-exec without user-exec is cleared",
			hdr:  tar.Header{Name: "test/odd", Typeflag: tar.TypeReg, Mode: 0o611},
			mode: 0o600,
		},
		{
			name: "directories keep traversal bits",
			hdr:  tar.Header{Name: "test/sub", Typeflag: tar.TypeDir, Mode: 0o775},
			mode: 0o755,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clean, reason := filterMember(&tc.hdr)
			require.Empty(t, reason)
			assert.Equal(t, tc.mode, clean.Mode)
		})
	}
}

func TestFilterMemberClearsOwnership(t *testing.T) {
	hdr := tar.Header{
		Name:     "test/file",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Uid:      1000,
		Gid:      1000,
		Uname:    "mallory",
		Gname:    "mallory",
	}
	clean, reason := filterMember(&hdr)
	require.Empty(t, reason)
	assert.Zero(t, clean.Uid)
	assert.Zero(t, clean.Gid)
	assert.Empty(t, clean.Uname)
	assert.Empty(t, clean.Gname)
	assert.Equal(t, 1000, hdr.Uid, "the original header is left alone")
}

func TestScrubSpec(t *testing.T) {
	doc := map[string]any{
		"job_id":    "1f8f9a1c",
		"job_queue": "rpi5",
		"provision_data": map[string]any{
			"url":         "http://cdimage/noble.img",
			"attachments": []any{map[string]any{"agent": "provision/image.url"}},
		},
		"test_data": map[string]any{
			"attachments": []any{map[string]any{"agent": "test/run.sh"}},
		},
		"reserve_data": map[string]any{
			"timeout": float64(600),
		},
	}

	ScrubSpec(doc)

	provision, ok := doc["provision_data"].(map[string]any)
	require.True(t, ok, "blocks with other content survive")
	assert.NotContains(t, provision, "attachments")
	assert.Equal(t, "http://cdimage/noble.img", provision["url"])

	assert.NotContains(t, doc, "test_data", "emptied blocks are removed")
	assert.Contains(t, doc, "reserve_data", "untouched blocks are kept")
}
