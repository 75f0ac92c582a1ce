package gentoo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/dridi/mkosi/archive"
	"github.com/dridi/mkosi/fetch"
	"github.com/dridi/mkosi/state"
	"github.com/dridi/mkosi/tree"
)

// stage3Variant selects the stage3 flavor from the autobuilds manifest.
const stage3Variant = "llvm-systemd-mergedusr"

// ensureStage3 makes the extracted stage3 tree current in the cache and
// returns its path. The archive is refetched only when the mirror reports a
// newer copy; an unchanged archive reuses the previously extracted tree.
func (g *Installer) ensureStage3(ctx context.Context, st *state.State) (string, error) {
	if st.Config.Mirror == "" {
		return "", errors.New("gentoo requires a mirror (for example https://distfiles.gentoo.org)")
	}

	arch, err := g.ArchitectureName(st.Config.Architecture)
	if err != nil {
		return "", err
	}

	manifestURL := mirrorJoin(st.Config.Mirror, "releases", arch, "autobuilds", "latest-stage3.txt")

	manifest, err := fetch.Get(ctx, g.Client, manifestURL)
	if err != nil {
		return "", err
	}

	stage3Path, err := findStage3(manifest, arch)
	if err != nil {
		return "", fmt.Errorf("%w in %s", err, manifestURL)
	}

	archiveURL := mirrorJoin(st.Config.Mirror, "releases", arch, "autobuilds", stage3Path)

	updated, err := fetch.File(ctx, g.Client, archiveURL, stage3Archive(st))
	if err != nil {
		return "", err
	}

	extracted := stage3Dir(st)

	if updated {
		err = tree.Remove(extracted)
		if err != nil {
			return "", fmt.Errorf("removing stale stage3 tree: %w", err)
		}
	}

	err = os.MkdirAll(extracted, 0o755)
	if err != nil {
		return "", fmt.Errorf("creating stage3 directory: %w", err)
	}

	empty, err := dirEmpty(extracted)
	if err != nil {
		return "", err
	}

	if empty {
		err = archive.ExtractTar(stage3Archive(st), extracted)
		if err != nil {
			return "", err
		}
	}

	return extracted, nil
}

// findStage3 returns the manifest line naming the current stage3 archive
// for arch. Lines look like "20240101T170320Z/stage3-amd64-....tar.xz 123456".
func findStage3(manifest []byte, arch string) (string, error) {
	pattern := fmt.Sprintf(`^[0-9]+T[0-9]+Z/stage3-%s-%s-[0-9]+T[0-9]+Z\.tar\.xz`, regexp.QuoteMeta(arch), regexp.QuoteMeta(stage3Variant))

	re := regexp.MustCompile(pattern)

	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	for scanner.Scan() {
		match := re.FindString(scanner.Text())
		if match != "" {
			return match, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stage3 manifest: %w", err)
	}

	return "", fmt.Errorf("no stage3 matching %q (profile names changed upstream?)", pattern)
}

// mirrorJoin joins URL path elements onto the mirror base.
func mirrorJoin(mirror string, elems ...string) string {
	parts := append([]string{strings.TrimSuffix(mirror, "/")}, elems...)
	return strings.Join(parts, "/")
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", dir, err)
	}

	return len(entries) == 0, nil
}
