package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// Area names one storage area under the media root.
type Area string

// Storage areas. Assets are grouped per job under the image, audio and
// temp areas; final videos share a flat directory; stock media is a
// shared cache.
const (
	AreaVideos Area = "videos"
	AreaImages Area = "assets/images"
	AreaAudio  Area = "assets/audio"
	AreaTemp   Area = "assets/temp"
	AreaStock  Area = "stock"
)

var allAreas = []Area{AreaVideos, AreaImages, AreaAudio, AreaTemp, AreaStock}

// ErrQuotaExceeded is returned by Allocate when the media root is over
// its configured byte budget.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// RetentionPolicy controls the periodic sweep over the media root. A
// zero max age disables the age sweep for that area; a zero
// MaxTotalBytes disables the global byte budget.
type RetentionPolicy struct {
	TempMaxAge              time.Duration
	AssetMaxAge             time.Duration
	VideoMaxAge             time.Duration
	StockMaxAge             time.Duration
	MaxTotalBytes           int64
	PreserveCompletedVideos bool
}

func (p RetentionPolicy) ageFor(area Area) time.Duration {
	switch area {
	case AreaTemp:
		return p.TempMaxAge
	case AreaImages, AreaAudio:
		return p.AssetMaxAge
	case AreaVideos:
		return p.VideoMaxAge
	case AreaStock:
		return p.StockMaxAge
	}
	return 0
}

// Manager owns the media root. It hands out per-job directories,
// removes them when jobs reach a terminal state, enforces retention,
// and copies completed videos to the archive backend when one is
// configured.
//
// Per-job directories keep concurrently running jobs independent; the
// Manager itself only serializes whole-tree operations (sweeps, stock
// downloads).
type Manager struct {
	base      string
	archive   string
	retention RetentionPolicy
	router    *Router
	log       zerolog.Logger

	mu sync.Mutex
}

// NewManager creates the media root layout under baseDir. archiveURI
// optionally names a file:// or s3:// prefix completed videos are
// copied to; empty disables archival.
func NewManager(baseDir, archiveURI string, retention RetentionPolicy, log zerolog.Logger) (*Manager, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving media root: %w", err)
	}

	if archiveURI != "" {
		scheme, _, err := ParseURI(archiveURI)
		if err != nil {
			return nil, fmt.Errorf("invalid archive URI: %w", err)
		}
		if !IsAllowedScheme(scheme) {
			return nil, fmt.Errorf("invalid archive URI: scheme %q not allowed", scheme)
		}
	}

	m := &Manager{
		base:      base,
		archive:   archiveURI,
		retention: retention,
		router:    NewRouter(),
		log:       log.With().Str("component", "storage").Logger(),
	}

	for _, area := range allAreas {
		if err := os.MkdirAll(m.areaDir(area), 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", area, err)
		}
	}

	return m, nil
}

// Router exposes the backend router, shared so callers reuse lazily
// created backends (and tests can register fakes).
func (m *Manager) Router() *Router {
	return m.router
}

// BaseDir returns the absolute media root path.
func (m *Manager) BaseDir() string {
	return m.base
}

func (m *Manager) areaDir(area Area) string {
	return filepath.Join(m.base, filepath.FromSlash(string(area)))
}

// Allocate creates and returns the directory files of the given area
// are written to for a job. Final videos share a flat directory, so
// jobID is ignored for AreaVideos. Returns ErrQuotaExceeded when the
// media root is already over budget.
func (m *Manager) Allocate(jobID string, area Area) (string, error) {
	if m.retention.MaxTotalBytes > 0 {
		used, err := m.usedBytes()
		if err != nil {
			return "", err
		}
		if used >= m.retention.MaxTotalBytes {
			return "", fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, used, m.retention.MaxTotalBytes)
		}
	}

	dir := m.areaDir(area)
	if area != AreaVideos && area != AreaStock {
		if jobID == "" {
			return "", fmt.Errorf("allocating %s: empty job id", area)
		}
		dir = filepath.Join(dir, jobID)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("allocating %s for job %s: %w", area, jobID, err)
	}
	return dir, nil
}

// FinalVideoPath names the canonical output file for a video artifact.
func (m *Manager) FinalVideoPath(videoID string) string {
	return filepath.Join(m.areaDir(AreaVideos), videoID+".mp4")
}

// PromoteVideo moves a finished render from its temp location to the
// final videos directory. The rename keeps readers from ever observing
// a partially written video.
func (m *Manager) PromoteVideo(tempPath, videoID string) (string, error) {
	final := m.FinalVideoPath(videoID)
	if err := os.Rename(tempPath, final); err != nil {
		return "", fmt.Errorf("promoting video %s: %w", videoID, err)
	}
	return final, nil
}

// Cleanup removes every per-job directory for a job that failed or was
// cancelled. It is idempotent and best-effort: missing directories are
// fine, and remaining areas are still attempted when one removal fails.
func (m *Manager) Cleanup(jobID string) error {
	var errs []error
	for _, area := range []Area{AreaTemp, AreaImages, AreaAudio} {
		if err := m.removeJobDir(jobID, area); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleaning up job %s: %w", jobID, err)
	}
	m.log.Debug().Str("job_id", jobID).Msg("removed job directories")
	return nil
}

// CleanupTemp removes only the job's temp directory, preserving its
// generated assets and final video. Used when a job completes.
func (m *Manager) CleanupTemp(jobID string) error {
	if err := m.removeJobDir(jobID, AreaTemp); err != nil {
		return fmt.Errorf("cleaning up job %s: %w", jobID, err)
	}
	return nil
}

func (m *Manager) removeJobDir(jobID string, area Area) error {
	if jobID == "" {
		return fmt.Errorf("refusing to remove %s: empty job id", area)
	}

	dir := filepath.Join(m.areaDir(area), jobID)
	// A job id like ".." must not walk out of the area directory.
	rel, err := filepath.Rel(m.areaDir(area), dir)
	if err != nil || rel != jobID || strings.Contains(rel, "..") {
		return fmt.Errorf("refusing to remove path outside media root: %s", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	return nil
}

// FetchStock returns a local path for a stock media URI, downloading it
// into the stock cache on first use. Cache entries are keyed by URI
// hash so repeated jobs reuse the same download.
func (m *Manager) FetchStock(ctx context.Context, uri string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, remote, err := ParseURI(uri)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:8]) + path.Ext(remote)
	local := filepath.Join(m.areaDir(AreaStock), name)

	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	// Download to a partial name first so a crash never leaves a
	// truncated file behind as a cache hit.
	part := local + ".part"
	if err := m.router.Download(ctx, uri, part); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("fetching stock media: %w", err)
	}
	if err := os.Rename(part, local); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("caching stock media: %w", err)
	}

	m.log.Info().Str("uri", uri).Str("path", local).Msg("cached stock media")
	return local, nil
}

// Archive copies a completed video to the configured archive URI and
// returns the destination. It is a no-op when archival is disabled.
func (m *Manager) Archive(ctx context.Context, videoPath string) (string, error) {
	if m.archive == "" {
		return "", nil
	}

	dest := strings.TrimRight(m.archive, "/") + "/" + filepath.Base(videoPath)
	if err := m.router.Upload(ctx, videoPath, dest); err != nil {
		return "", fmt.Errorf("archiving %s: %w", filepath.Base(videoPath), err)
	}

	m.log.Info().Str("video", filepath.Base(videoPath)).Str("dest", dest).Msg("archived video")
	return dest, nil
}

// Stats reports current usage for each storage area.
func (m *Manager) Stats() ([]schemas.StorageRecord, error) {
	records := make([]schemas.StorageRecord, 0, len(allAreas))
	for _, area := range allAreas {
		files, err := m.scanArea(area)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, f := range files {
			total += f.size
		}
		records = append(records, schemas.StorageRecord{
			Directory:      m.areaDir(area),
			TotalSizeBytes: total,
			FileCount:      len(files),
			Retention: schemas.RetentionInfo{
				MaxAge:                  schemas.Duration{Duration: m.retention.ageFor(area)},
				MaxTotalBytes:           m.retention.MaxTotalBytes,
				PreserveCompletedVideos: m.retention.PreserveCompletedVideos,
			},
		})
	}
	return records, nil
}

// EnforceQuota applies the retention policy: per-area age sweeps first,
// then oldest-first eviction until total usage fits the byte budget.
// Videos are exempt from both while PreserveCompletedVideos is set,
// though their bytes still count toward the budget. Returns usage stats
// after the sweep.
func (m *Manager) EnforceQuota(ctx context.Context) ([]schemas.StorageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed, reclaimed int64

	for _, area := range allAreas {
		if m.exempt(area) {
			continue
		}
		maxAge := m.retention.ageFor(area)
		if maxAge <= 0 {
			continue
		}

		files, err := m.scanArea(area)
		if err != nil {
			return nil, err
		}
		cutoff := now.Add(-maxAge)
		for _, f := range files {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if f.mod.After(cutoff) {
				continue
			}
			if err := os.Remove(f.path); err != nil {
				m.log.Warn().Err(err).Str("path", f.path).Msg("retention sweep failed to remove file")
				continue
			}
			removed++
			reclaimed += f.size
		}
		m.pruneEmptyJobDirs(area)
	}

	if m.retention.MaxTotalBytes > 0 {
		n, b, err := m.evictOldest(ctx)
		if err != nil {
			return nil, err
		}
		removed += n
		reclaimed += b
	}

	if removed > 0 {
		m.log.Info().Int64("files", removed).Int64("bytes", reclaimed).Msg("retention sweep reclaimed space")
	}

	return m.Stats()
}

// evictOldest removes evictable files oldest-first until total usage
// fits MaxTotalBytes.
func (m *Manager) evictOldest(ctx context.Context) (removed, reclaimed int64, err error) {
	used, err := m.usedBytes()
	if err != nil {
		return 0, 0, err
	}
	if used <= m.retention.MaxTotalBytes {
		return 0, 0, nil
	}

	var victims []fileRecord
	for _, area := range allAreas {
		if m.exempt(area) {
			continue
		}
		files, err := m.scanArea(area)
		if err != nil {
			return removed, reclaimed, err
		}
		victims = append(victims, files...)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].mod.Before(victims[j].mod) })

	for _, f := range victims {
		if used <= m.retention.MaxTotalBytes {
			break
		}
		if ctx.Err() != nil {
			return removed, reclaimed, ctx.Err()
		}
		if err := os.Remove(f.path); err != nil {
			m.log.Warn().Err(err).Str("path", f.path).Msg("eviction failed to remove file")
			continue
		}
		used -= f.size
		removed++
		reclaimed += f.size
	}

	for _, area := range allAreas {
		m.pruneEmptyJobDirs(area)
	}
	return removed, reclaimed, nil
}

func (m *Manager) exempt(area Area) bool {
	return area == AreaVideos && m.retention.PreserveCompletedVideos
}

type fileRecord struct {
	path string
	size int64
	mod  time.Time
}

func (m *Manager) scanArea(area Area) ([]fileRecord, error) {
	dir := m.areaDir(area)
	var files []fileRecord
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// File removed between listing and stat.
			return nil
		}
		files = append(files, fileRecord{path: p, size: info.Size(), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

func (m *Manager) usedBytes() (int64, error) {
	var total int64
	for _, area := range allAreas {
		files, err := m.scanArea(area)
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			total += f.size
		}
	}
	return total, nil
}

// pruneEmptyJobDirs drops per-job directories the sweeps emptied out.
// os.Remove only deletes empty directories, so occupied ones survive.
func (m *Manager) pruneEmptyJobDirs(area Area) {
	entries, err := os.ReadDir(m.areaDir(area))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			os.Remove(filepath.Join(m.areaDir(area), e.Name()))
		}
	}
}
