// Package storage owns the on-disk layout:
//
//	STORAGE_PATH/
//	  <feed_slug>/
//	    audio/        YYYY-MM-DD_<title>.<ext>
//	    transcripts/  YYYY-MM-DD_<title>.md
//	  trash/<feed_slug>_<feed_id>_<ts>/
//
// Writes are finalised with an atomic rename so readers only ever see
// complete files.
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// TrashRetention is how long deleted feed directories linger before the
// startup sweep removes them.
const TrashRetention = 30 * 24 * time.Hour

// TempRetention is how long stray temp downloads survive before the startup
// sweep removes them.
const TempRetention = 24 * time.Hour

// maxFilenameLength bounds the sanitized title portion of filenames.
const maxFilenameLength = 200

// Layout resolves paths under the storage root.
type Layout struct {
	Root string
	Temp string
}

// NewLayout creates the layout helper and ensures the root exists.
func NewLayout(root, temp string) (*Layout, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if err := os.MkdirAll(temp, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Layout{Root: root, Temp: temp}, nil
}

// Slugify reduces a feed title to a directory-safe slug: lowercase, runs of
// non-alphanumerics collapsed to single dashes.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "feed"
	}
	return slug
}

// SanitizeTitle produces the filename-safe episode title: non-alphanumerics
// become dashes, runs collapse, trimmed to 200 characters.
func SanitizeTitle(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxFilenameLength {
		s = s[:maxFilenameLength]
		s = strings.TrimSuffix(s, "-")
	}
	if s == "" {
		s = "episode"
	}
	return s
}

// EpisodeFilename builds the YYYY-MM-DD_<sanitized-title>.<ext> convention.
// Episodes without a publish date use the zero date.
func EpisodeFilename(published *time.Time, title, ext string) string {
	date := "0000-00-00"
	if published != nil {
		date = published.UTC().Format("2006-01-02")
	}
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s_%s.%s", date, SanitizeTitle(title), ext)
}

// FeedDir returns the directory for a feed slug.
func (l *Layout) FeedDir(slug string) string {
	return filepath.Join(l.Root, slug)
}

// AudioDir returns the audio directory for a feed slug.
func (l *Layout) AudioDir(slug string) string {
	return filepath.Join(l.Root, slug, "audio")
}

// TranscriptDir returns the transcripts directory for a feed slug.
func (l *Layout) TranscriptDir(slug string) string {
	return filepath.Join(l.Root, slug, "transcripts")
}

// TempFile returns a temp path for an in-flight download.
func (l *Layout) TempFile(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(l.Temp, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// WriteTranscript atomically writes transcript markdown into the feed's
// transcripts directory and returns the final path.
func (l *Layout) WriteTranscript(slug, filename, content string) (string, error) {
	dir := l.TranscriptDir(slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create transcript dir: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return path, nil
}

// FinalizeAudio moves a fully-downloaded temp file into the feed's audio
// directory. The move is a rename when possible, a copy+rename across
// filesystems. The temp file is gone on success.
func (l *Layout) FinalizeAudio(slug, filename, tempPath string) (string, error) {
	dir := l.AudioDir(slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio dir: %w", err)
	}
	path := filepath.Join(dir, filename)

	if err := os.Rename(tempPath, path); err == nil {
		return path, nil
	}

	// Cross-device fallback: stream through a pending file, then rename.
	src, err := os.Open(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to open temp audio: %w", err)
	}
	defer src.Close()

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("failed to stage audio file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, src); err != nil {
		return "", fmt.Errorf("failed to copy audio file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("failed to finalize audio file: %w", err)
	}
	os.Remove(tempPath)
	return path, nil
}

// RenameFeedDir atomically moves a feed directory to a new slug.
func (l *Layout) RenameFeedDir(oldSlug, newSlug string) error {
	if oldSlug == newSlug {
		return nil
	}
	oldDir := l.FeedDir(oldSlug)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(oldDir, l.FeedDir(newSlug)); err != nil {
		return fmt.Errorf("failed to rename feed dir: %w", err)
	}
	return nil
}

// TrashFeed moves a feed's directory under trash/<slug>_<id>_<ts>/ and
// returns the trash path. A feed with no files on disk is a no-op.
func (l *Layout) TrashFeed(slug string, feedID int64) (string, error) {
	src := l.FeedDir(slug)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", nil
	}
	trashDir := filepath.Join(l.Root, "trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create trash dir: %w", err)
	}
	dst := filepath.Join(trashDir, fmt.Sprintf("%s_%d_%d", slug, feedID, time.Now().Unix()))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to move feed to trash: %w", err)
	}
	slog.Info("Feed moved to trash", "slug", slug, "feed_id", feedID, "trash_path", dst)
	return dst, nil
}

// SweepTrash removes trash directories older than the retention window.
// Runs at server boot.
func (l *Layout) SweepTrash(now time.Time) error {
	trashDir := filepath.Join(l.Root, "trash")
	entries, err := os.ReadDir(trashDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read trash dir: %w", err)
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > TrashRetention {
			path := filepath.Join(trashDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				slog.Warn("Failed to remove trash entry", "path", path, "error", err)
				continue
			}
			slog.Info("Removed expired trash entry", "path", path)
		}
	}
	return nil
}

// SweepTemp removes temp files older than the retention window. Runs at
// server boot.
func (l *Layout) SweepTemp(now time.Time) error {
	entries, err := os.ReadDir(l.Temp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > TempRetention {
			path := filepath.Join(l.Temp, entry.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("Failed to remove stale temp file", "path", path, "error", err)
			}
		}
	}
	return nil
}
