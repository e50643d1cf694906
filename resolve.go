package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Errors
// ===========================

var (
	ErrResolutionFailed = errors.New("could not resolve the requested track")
	ErrDownloadFailed   = errors.New("could not download the requested track")
)

// ===========================
// Constants & Variables
// ===========================

var (
	// System
	TrackResolver *Resolver
	OnceResolve   sync.Once

	// Strings
	cachedJSArgs []string
	jsOnce       sync.Once

	// Regex
	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)
)

// ===========================
// Structs
// ===========================

// Resolver turns free-text queries and URLs into playable cached files.
type Resolver struct {
	cacheDir string
	cache    *QueryCache
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// SearchResult represents a search result
type SearchResult struct{ Title, ChannelName, URL string }

// trackMetadata represents metadata for a track from ytdlp
type trackMetadata struct {
	URL, Title, Uploader, ID string
	Duration                 time.Duration
}

// ===========================
// Resolver
// ===========================

func GetResolver() *Resolver {
	OnceResolve.Do(func() {
		cacheDir := DefaultCacheDir
		if GlobalConfig != nil && GlobalConfig.CacheDir != "" {
			cacheDir = GlobalConfig.CacheDir
		}

		// Leftover files from a previous run are garbage; sweep them.
		if err := os.RemoveAll(cacheDir); err != nil {
			LogResolve("Failed to clean track cache: %v", err)
		}
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			LogResolve("Failed to create track cache dir: %v", err)
		}

		TrackResolver = &Resolver{
			cacheDir: cacheDir,
			cache: &QueryCache{
				items: make(map[string]cachedItem),
			},
		}
		safeGo(TrackResolver.startCacheGC)
	})
	return TrackResolver
}

func (r *Resolver) startCacheGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		<-ticker.C
		r.cache.Lock()
		now := time.Now()
		for q, item := range r.cache.items {
			if now.After(item.expiresAt) {
				delete(r.cache.items, q)
			}
		}
		r.cache.Unlock()
	}
}

// Search runs the music-first and general searches in parallel and merges
// the results, music hits leading.
func (r *Resolver) Search(q string) ([]SearchResult, error) {
	// 1. Check Cache
	r.cache.RLock()
	if item, ok := r.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			r.cache.RUnlock()
			return item.results, nil
		}
	}
	r.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, ChannelName: strings.TrimPrefix(art, " - "), Title: TruncateWithPreserve(v.Title, 100, "[YTM] ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(ctx, q)
		for _, v := range res.Results {
			suffix := ""
			if d := parseDurationColon(v.Duration); d > 0 {
				suffix = " (" + FormatDuration(d) + ")"
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, ChannelName: v.Channel, Title: TruncateWithPreserve(v.Title, 100, "[YT] ", suffix)})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(ytm, yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		r.cache.Lock()
		r.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		r.cache.Unlock()
	}

	return fin, nil
}

// Fetch resolves a query or URL and downloads the track into the cache.
// Repeat requests for the same video reuse the cached file, so two queue
// entries can share one path.
func (r *Resolver) Fetch(ctx context.Context, query string, kind MediaKind, quality int) (*QueueEntry, error) {
	url := strings.TrimSpace(query)
	if !strings.HasPrefix(url, "http") {
		results, err := r.Search(url)
		if err != nil || len(results) == 0 {
			return nil, ErrResolutionFailed
		}
		url = results[0].URL
	}

	meta, err := ytdlpExtractMetadata(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	ext := "webm"
	if kind == MediaVideo {
		ext = "mp4"
	}
	path := filepath.Join(r.cacheDir, meta.ID+"."+ext)

	if _, err := os.Stat(path); err == nil {
		LogResolve("Cache hit for %s: %s", meta.ID, path)
	} else {
		if err := ytdlpFetch(ctx, url, path, kind, quality); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		LogResolve("Downloaded track file: %s", path)
	}

	title := meta.Title
	if title == "" || strings.HasPrefix(title, "http") {
		if isYouTubeURL(url) {
			title = "YouTube Track (" + extractVideoID(url) + ")"
		} else {
			title = url
		}
	}
	return &QueueEntry{
		Title:   title,
		Path:    path,
		URL:     meta.URL,
		Kind:    kind,
		Quality: quality,
	}, nil
}

// ===========================
// YT-DLP
// ===========================

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

// formatSelector maps the media kind and quality hint to a yt-dlp format
// expression. Quality is a height cap for video and ignored for audio.
func formatSelector(kind MediaKind, quality int) string {
	if kind == MediaVideo {
		if quality <= 0 {
			quality = 720
		}
		return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]/best", quality, quality)
	}
	return "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"
}

func ytdlpExtractMetadata(ctx context.Context, u string) (*trackMetadata, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		if res != nil {
			LogResolve("yt-dlp metadata failed: %v, stderr: %s (URL: %s)", err, res.Stderr, u)
		}
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return &trackMetadata{URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: d, ID: ps[4]}, nil
	}
	return nil, errors.New("failed to parse metadata")
}

func ytdlpFetch(ctx context.Context, u, path string, kind MediaKind, quality int) error {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	if kind == MediaVideo {
		args = append(args, "--merge-output-format", "mp4")
	}
	res, err := cmd.
		Format(formatSelector(kind, quality)).
		Output(path).
		NoPlaylist().
		NoCheckCertificates().
		IgnoreConfig().
		Run(ctx, append(args, u)...)

	if err != nil {
		if res != nil {
			LogResolve("yt-dlp download failed: %v, stderr: %s (URL: %s)", err, res.Stderr, u)
		}
		return err
	}
	return nil
}

// ===========================
// URL Helpers
// ===========================

func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}

// isYouTubeURL checks if a URL is a YouTube URL.
func isYouTubeURL(u string) bool {
	return strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be")
}
