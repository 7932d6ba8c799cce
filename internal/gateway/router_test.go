package gateway

import (
	"context"
	"errors"
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return logger
}

// markerHandler records which handler served an exchange and what mount root
// it observed.
type markerHandler struct {
	name     string
	servedBy *string
	rootPath *string
}

func (h *markerHandler) Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
	*h.servedBy = h.name
	*h.rootPath = ex.RootPath
	return nil
}

func TestRouterLongestPrefixDispatch(t *testing.T) {
	var servedBy, rootPath string

	routes := []Route{
		{Family: FamilyHTTP, Prefix: "/a", Handler: &markerHandler{"a", &servedBy, &rootPath}},
		{Family: FamilyHTTP, Prefix: "/a/b", Handler: &markerHandler{"ab", &servedBy, &rootPath}},
	}
	fallbacks := map[Family]Handler{
		FamilyHTTP: &markerHandler{"fallback", &servedBy, &rootPath},
	}
	router := NewRouter(routes, fallbacks, testLogger())

	tests := []struct {
		name         string
		path         string
		wantHandler  string
		wantRootPath string
	}{
		{name: "longest prefix wins", path: "/a/b/c", wantHandler: "ab", wantRootPath: "/a/b"},
		{name: "shorter prefix when longest does not match", path: "/a/x", wantHandler: "a", wantRootPath: "/a"},
		{name: "exact match", path: "/a", wantHandler: "a", wantRootPath: "/a"},
		{name: "no prefix boundary match", path: "/ab", wantHandler: "fallback", wantRootPath: ""},
		{name: "unmatched path goes to fallback", path: "/z", wantHandler: "fallback", wantRootPath: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servedBy, rootPath = "", ""
			ex := &Exchange{Family: FamilyHTTP, Path: tt.path}

			if err := router.Serve(context.Background(), ex, nil, nil); err != nil {
				t.Fatalf("Serve() returned an error: %v", err)
			}
			if servedBy != tt.wantHandler {
				t.Errorf("served by %q, want %q", servedBy, tt.wantHandler)
			}
			if rootPath != tt.wantRootPath {
				t.Errorf("mount root = %q, want %q", rootPath, tt.wantRootPath)
			}
		})
	}
}

func TestRouterUnsupportedFamily(t *testing.T) {
	router := NewRouter(nil, nil, testLogger())
	gw := &Gateway{Router: router, Lifespan: &Lifespan{Logger: testLogger()}, Logger: testLogger()}

	ex := &Exchange{Family: Family("gopher"), Path: "/"}
	err := gw.Serve(context.Background(), ex, nil, nil)
	if !errors.Is(err, ErrUnsupportedFamily) {
		t.Errorf("Serve() = %v, want ErrUnsupportedFamily", err)
	}
}

func TestRouterFamiliesAreIndependent(t *testing.T) {
	var servedBy, rootPath string

	routes := []Route{
		{Family: FamilyWebSocket, Prefix: "/console", Handler: &markerHandler{"console", &servedBy, &rootPath}},
	}
	fallbacks := map[Family]Handler{
		FamilyHTTP:      &markerHandler{"http-fallback", &servedBy, &rootPath},
		FamilyWebSocket: &markerHandler{"ws-fallback", &servedBy, &rootPath},
	}
	router := NewRouter(routes, fallbacks, testLogger())

	// An http request to a websocket-only mount must not match.
	ex := &Exchange{Family: FamilyHTTP, Path: "/console"}
	if err := router.Serve(context.Background(), ex, nil, nil); err != nil {
		t.Fatalf("Serve() returned an error: %v", err)
	}
	if servedBy != "http-fallback" {
		t.Errorf("served by %q, want the http fallback", servedBy)
	}
}
