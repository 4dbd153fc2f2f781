// Package direct implements the engine's local-network transport: the sender
// serves chunks over HTTP and advertises the pair code through mDNS, the
// receiver browses for the code and downloads from the advertised address.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
)

const (
	// Service is the mDNS service type senders register under
	Service = "_sendanywhere._tcp"
	// Domain is the mDNS domain
	Domain = "local."
	// Version is the TXT record protocol version
	Version = 1

	shutdownTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Transport serves and discovers senders on the local network
type Transport struct {
	listenAddr string
	log        *logger.Logger
	http       *clients.HTTPClient

	registerFn registerFunc
	browseFn   browseFunc
}

// NewTransport creates a transport listening on an ephemeral port
func NewTransport(log *logger.Logger) *Transport {
	return &Transport{
		listenAddr: ":0",
		log:        log,
		http:       clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, log),
		registerFn: zeroconf.Register,
	}
}

// Serve starts the chunk server for code and advertises it. The server
// stops when stop is called or ctx ends.
func (t *Transport) Serve(ctx context.Context, code string, src *manifest.Source) (func(), error) {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:      newRouter(code, src, t.log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("direct chunk server stopped", "error", err)
		}
	}()

	txt := []string{
		"code=" + code,
		"version=" + strconv.Itoa(Version),
	}
	adv, err := t.registerFn("sendanywhere-"+code, Service, Domain, port, txt, nil)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	t.log.Debug("serving on the local network", "port", port)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if adv != nil {
				adv.Shutdown()
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				srv.Close()
			}
		})
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

func newRouter(code string, src *manifest.Source, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	h := &chunkHandler{code: code, src: src, log: log}
	g := e.Group("/transfers/:code", h.requireCode)
	g.GET("/manifest", h.getManifest)
	g.GET("/chunks/:index", h.getChunk)
	return e
}

type chunkHandler struct {
	code string
	src  *manifest.Source
	log  *logger.Logger
}

// requireCode hides the transfer from clients that do not know the code
func (h *chunkHandler) requireCode(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Param("code") != h.code {
			return respondError(c, h.log, apperr.ErrPairNotFound)
		}
		return next(c)
	}
}

// GET /transfers/:code/manifest
func (h *chunkHandler) getManifest(c echo.Context) error {
	return c.JSON(http.StatusOK, h.src.Manifest)
}

// GET /transfers/:code/chunks/:index
func (h *chunkHandler) getChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= h.src.Index.Total() {
		return respondError(c, h.log, apperr.New(apperr.CodeChunkIndexOutOfRange, "invalid chunk index %q", c.Param("index")))
	}

	data, err := h.src.ReadChunk(index)
	if err != nil {
		return respondError(c, h.log, apperr.Wrap(apperr.CodeUnavailable, err, "read chunk %d", index))
	}

	c.Response().Header().Set(clients.HeaderContentSHA256, manifest.Checksum(data))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func respondError(c echo.Context, log *logger.Logger, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		log.Error("direct request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, apperr.ToBody(err))
}

var _ engine.DirectTransport = (*Transport)(nil)
