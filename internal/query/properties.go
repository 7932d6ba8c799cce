package query

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"
)

const (
	propertiesCacheKey = "server.properties"
	// DefaultServerPort is the game's standard port, used when the
	// properties file doesn't declare one.
	DefaultServerPort = 25565
)

// Properties reads the game server's server.properties file and caches the
// parsed result until the file changes on disk.
type Properties struct {
	Logger *logrus.Logger

	path    string
	cache   *gocache.Cache
	watcher *fsnotify.Watcher
}

// NewProperties sets up the reader and starts watching the file's directory
// so that edits (including whole-file replacement, which the game server
// does on save) invalidate the cache.
func NewProperties(path string, logger *logrus.Logger) (*Properties, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating properties watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	p := &Properties{
		Logger:  logger,
		path:    path,
		cache:   gocache.New(gocache.NoExpiration, 10*time.Minute),
		watcher: watcher,
	}
	go p.watch()
	return p, nil
}

func (p *Properties) watch() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(p.path) {
				p.Logger.Debugf("query: %s changed (%s), invalidating cache", p.path, event.Op)
				p.cache.Delete(propertiesCacheKey)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.Logger.Warnf("query: properties watcher error: %v", err)
		}
	}
}

// Close stops the file watcher.
func (p *Properties) Close() error {
	return p.watcher.Close()
}

// Get returns the parsed properties, reading the file at most once until it
// changes on disk. A missing file is an error, not an empty map.
func (p *Properties) Get() (map[string]string, error) {
	if cached, ok := p.cache.Get(propertiesCacheKey); ok {
		return cached.(map[string]string), nil
	}

	props, err := readProperties(p.path)
	if err != nil {
		return nil, err
	}
	p.cache.Set(propertiesCacheKey, props, gocache.NoExpiration)
	return props, nil
}

// ServerPort returns the game port declared in the properties file,
// defaulting to DefaultServerPort when absent.
func (p *Properties) ServerPort() (int, error) {
	props, err := p.Get()
	if err != nil {
		return 0, err
	}
	raw, ok := props["server-port"]
	if !ok {
		return DefaultServerPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid server-port %q: %w", raw, err)
	}
	return port, nil
}

// readProperties parses a Java properties file. The format is ISO 8859-1
// encoded by convention, with # comments and key=value lines.
func readProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening properties file: %w", err)
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(charmap.ISO8859_1.NewDecoder().Reader(f))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		props[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading properties file: %w", err)
	}
	return props, nil
}
