package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

var commitHash = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

func (o *Orchestrator) readFileFromContainer(ctx context.Context, containerID, sourcePath string) ([]byte, error) {
	reader, _, err := o.cli.CopyFromContainer(ctx, containerID, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from container: %w", sourcePath, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		if header.Typeflag == tar.TypeReg || header.Typeflag == tar.TypeRegA {
			data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return nil, fmt.Errorf("read file contents: %w", err)
			}
			return data, nil
		}
	}

	return nil, fmt.Errorf("file %s not found in container archive", sourcePath)
}

// readCommitHash returns the commit branch points at in the checkout at repoDir, reading the
// loose ref first and packed-refs second.
func (o *Orchestrator) readCommitHash(ctx context.Context, containerID, repoDir, branch string) (string, error) {
	gitDir := path.Join(repoDir, ".git")

	loose, looseErr := o.readFileFromContainer(ctx, containerID, path.Join(gitDir, "refs", "heads", branch))
	if looseErr == nil {
		if hash := strings.TrimSpace(string(loose)); commitHash.MatchString(hash) {
			return hash, nil
		}
		looseErr = fmt.Errorf("ref %s has unexpected content %q", branch, strings.TrimSpace(string(loose)))
	}

	packed, err := o.readFileFromContainer(ctx, containerID, path.Join(gitDir, "packed-refs"))
	if err != nil {
		return "", fmt.Errorf("read ref %s in %s: %w", branch, repoDir, errors.Join(looseErr, err))
	}
	if hash, ok := lookupPackedRef(packed, "refs/heads/"+branch); ok {
		return hash, nil
	}
	return "", fmt.Errorf("read ref %s in %s: %w", branch, repoDir, looseErr)
}

func lookupPackedRef(data []byte, ref string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if ok && name == ref && commitHash.MatchString(hash) {
			return hash, true
		}
	}
	return "", false
}
