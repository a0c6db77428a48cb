package client

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/canonical/testflinger/internal/types"
)

// artifactsDirName is the rundir subtree a test may fill with files worth
// keeping; everything under it is shipped back to the server when the run
// ends.
const artifactsDirName = "artifacts"

// DownloadAttachments streams the job's attachment archive into dest and
// reports whether the job had any. The file is written under a temp name and
// renamed so a partial download never looks complete.
func (c *Client) DownloadAttachments(ctx context.Context, jobID, dest string) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	path := "/v1/job/" + url.PathEscape(jobID) + "/attachments"
	req, err := retryablehttp.NewRequestWithContext(tctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	resp, err := c.rc.Do(req)
	if err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return false, fmt.Errorf("client: download attachments: %w", apiError(resp.StatusCode, body))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return false, fmt.Errorf("client: download attachments: %w", err)
	}
	ok = true
	return true, nil
}

// SaveArtifacts packs the rundir's artifacts subtree into a tar.gz and
// uploads it. A missing or empty subtree uploads nothing and is not an error.
func (c *Client) SaveArtifacts(ctx context.Context, rundir, jobID string) error {
	dir := filepath.Join(rundir, artifactsDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("client: save artifacts: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	archive, err := os.CreateTemp("", "artifacts-*.tar.gz")
	if err != nil {
		return fmt.Errorf("client: save artifacts: %w", err)
	}
	archivePath := archive.Name()
	defer os.Remove(archivePath)

	if err := packArtifacts(archive, dir); err != nil {
		archive.Close()
		return fmt.Errorf("client: save artifacts: %w", err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("client: save artifacts: %w", err)
	}

	if err := c.uploadArtifact(ctx, jobID, archivePath); err != nil {
		return fmt.Errorf("client: save artifacts: %w", err)
	}
	return nil
}

// packArtifacts writes a gzipped tarball of dir to w, with entries rooted at
// "artifacts/" the way submitters expect to unpack them. Only directories and
// regular files are archived.
func packArtifacts(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := artifactsDirName
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(artifactsDirName, rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, cerr := io.Copy(tw, f)
			f.Close()
			return cerr
		default:
			// Sockets and device nodes have no business in an artifact
			// archive.
			return nil
		}
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// uploadArtifact posts the archive as a multipart upload. The multipart body
// is staged to disk first so the session can rewind and resend it on retry
// without holding the archive in memory.
func (c *Client) uploadArtifact(ctx context.Context, jobID, archivePath string) error {
	staged, err := os.CreateTemp("", "artifact-upload-*.tmp")
	if err != nil {
		return err
	}
	stagedPath := staged.Name()
	defer os.Remove(stagedPath)
	defer staged.Close()

	mw := multipart.NewWriter(staged)
	part, err := mw.CreateFormFile("file", "artifacts.tar.gz")
	if err != nil {
		return err
	}
	archive, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, archive)
	archive.Close()
	if err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()
	path := "/v1/result/" + url.PathEscape(jobID) + "/artifact"
	req, err := retryablehttp.NewRequestWithContext(tctx, http.MethodPost, c.url(path), staged)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.rc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return apiError(resp.StatusCode, body)
	}
	return nil
}

// TransmitJobOutcome ships a finished rundir: artifacts first, then the
// outcome document with job_state forced to complete, and finally the rundir
// is removed. On failure the rundir is left in place so the caller can park
// it for a later retry.
func (c *Client) TransmitJobOutcome(ctx context.Context, rundir string) error {
	jobID, err := readRunJobID(rundir)
	if err != nil {
		return fmt.Errorf("client: transmit outcome: %w", err)
	}

	if err := c.SaveArtifacts(ctx, rundir, jobID); err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(rundir, OutcomeFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Nothing was recorded (the agent died before the first phase);
		// still release the job so it does not stay in progress forever.
		if err := c.PostJobState(ctx, jobID, types.JobStateComplete); err != nil {
			return fmt.Errorf("client: transmit outcome: %w", err)
		}
	case err != nil:
		return fmt.Errorf("client: transmit outcome: %w", err)
	default:
		outcome := map[string]any{}
		if err := json.Unmarshal(raw, &outcome); err != nil {
			return fmt.Errorf("client: transmit outcome: corrupt outcome file: %w", err)
		}
		outcome["job_state"] = string(types.JobStateComplete)
		if err := c.PostResult(ctx, jobID, outcome); err != nil {
			return fmt.Errorf("client: transmit outcome: %w", err)
		}
	}

	if err := os.RemoveAll(rundir); err != nil {
		return fmt.Errorf("client: transmit outcome: remove rundir: %w", err)
	}
	return nil
}

// readRunJobID pulls the job id out of the rundir's job document.
func readRunJobID(rundir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(rundir, JobFileName))
	if err != nil {
		return "", err
	}
	var spec types.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return "", err
	}
	if spec.JobID == "" {
		return "", errors.New("job document has no job_id")
	}
	return spec.JobID, nil
}
