package catalog

import (
	"context"
	"io/fs"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// videoExtensions maps the extensions a scan picks up to a fallback format.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
}

// Prober returns a media file's duration.
type Prober func(path string) (time.Duration, error)

// FFmpegProber probes durations through go2tv's ffmpeg helper.
func FFmpegProber(ffmpegPath string) Prober {
	return func(path string) (time.Duration, error) {
		seconds, err := utils.DurationForMediaSeconds(ffmpegPath, path)
		if err != nil {
			return 0, err
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
}

// Library scans a directory tree for video files.
type Library struct {
	fs     afero.Fs
	dir    string
	probe  Prober
	logger zerolog.Logger
}

func NewLibrary(fsys afero.Fs, dir string, probe Prober) *Library {
	return &Library{
		fs:     fsys,
		dir:    filepath.Clean(dir),
		probe:  probe,
		logger: xlog.WithComponent("library"),
	}
}

func (l *Library) Dir() string { return l.dir }

// Scan lists every video under the library dir. Video ids are slash-separated
// paths relative to the dir.
func (l *Library) Scan(ctx context.Context) ([]domain.Video, error) {
	var out []domain.Video
	err := afero.Walk(l.fs, l.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable library entry")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			if path != l.dir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return nil
		}
		video := domain.Video{
			ID:      filepath.ToSlash(rel),
			Path:    path,
			Format:  l.detectFormat(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if l.probe != nil {
			if d, err := l.probe(path); err == nil {
				video.Duration = d
			} else {
				l.logger.Debug().Err(err).Str(xlog.FieldVideoID, video.ID).Msg("duration probe failed")
			}
		}
		out = append(out, video)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// detectFormat sniffs the content first and falls back to the extension.
func (l *Library) detectFormat(path string) string {
	if f, err := l.fs.Open(path); err == nil {
		mt, err := mimetype.DetectReader(f)
		_ = f.Close()
		if err == nil {
			if s := mt.String(); strings.HasPrefix(s, "video/") || strings.HasPrefix(s, "audio/") {
				return strings.TrimSpace(strings.Split(s, ";")[0])
			}
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if guessed := mime.TypeByExtension(ext); strings.HasPrefix(guessed, "video/") {
		return strings.TrimSpace(strings.Split(guessed, ";")[0])
	}
	if fallback, ok := videoExtensions[ext]; ok {
		return fallback
	}
	return "application/octet-stream"
}
