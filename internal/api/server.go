package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/internal/version"
	"github.com/samcharles93/etrt/pkg/rt"
)

// Config tunes the blocking endpoints.
type Config struct {
	WaitTimeout    time.Duration
	MaxWaitTimeout time.Duration
	AbortTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.MaxWaitTimeout <= 0 {
		c.MaxWaitTimeout = rt.DefaultWaitTimeout
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = rt.DefaultAbortTimeout
	}
	return c
}

// Server exposes a runtime over HTTP.
type Server struct {
	rt  *rt.Runtime
	cfg Config
	log logger.Logger
}

func NewServer(runtime *rt.Runtime, cfg Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		rt:  runtime,
		cfg: cfg.withDefaults(),
		log: log.WithGroup("api"),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/runtime", s.handleRuntime)

	// Devices
	e.GET("/v1/devices", s.handleListDevices)
	e.GET("/v1/devices/:id", s.handleGetDevice)
	e.GET("/v1/devices/:id/dma", s.handleDmaInfo)
	e.GET("/v1/devices/:id/memory", s.handleMemory)
	e.GET("/v1/p2p/:a/:b", s.handleP2P)

	// Streams and events
	e.POST("/v1/streams", s.handleCreateStream)
	e.GET("/v1/streams", s.handleListStreams)
	e.GET("/v1/streams/:id", s.handleGetStream)
	e.DELETE("/v1/streams/:id", s.handleDestroyStream)
	e.GET("/v1/streams/:id/errors", s.handleStreamErrors)
	e.POST("/v1/streams/:id/wait", s.handleWaitStream)
	e.POST("/v1/streams/:id/abort", s.handleAbortStream)
	e.POST("/v1/events/:id/wait", s.handleWaitEvent)
	e.POST("/v1/events/:id/abort", s.handleAbortEvent)
}

func (s *Server) handleRuntime(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, RuntimeResponse{
		Object:   "runtime",
		Instance: s.rt.InstanceID().String(),
		Version:  version.String(),
		Devices:  len(s.rt.Devices()),
		Streams:  len(s.rt.Streams()),
		HostPool: s.rt.HostPoolStats(),
	})
}

func (s *Server) device(id int) (DeviceResponse, error) {
	props, err := s.rt.DeviceProperties(rt.DeviceID(id))
	if err != nil {
		return DeviceResponse{}, err
	}
	ver, err := s.rt.APIVersion(rt.DeviceID(id))
	if err != nil {
		return DeviceResponse{}, err
	}
	return DeviceResponse{Object: "device", ID: id, APIVersion: ver.String(), Properties: props}, nil
}

func (s *Server) handleListDevices(c *echo.Context) error {
	ids := s.rt.Devices()
	out := DeviceListResponse{Object: "list", Data: make([]DeviceResponse, 0, len(ids))}
	for _, id := range ids {
		d, err := s.device(int(id))
		if err != nil {
			return writeRuntimeError(c, err)
		}
		out.Data = append(out.Data, d)
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleGetDevice(c *echo.Context) error {
	id, err := parseDevice(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	d, err := s.device(id)
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, d)
}

func (s *Server) handleDmaInfo(c *echo.Context) error {
	id, err := parseDevice(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	info, err := s.rt.DmaInfo(rt.DeviceID(id))
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, DmaResponse{
		Object:          "dma_info",
		Device:          id,
		MaxElementSize:  info.MaxElementSize,
		MaxElementCount: info.MaxElementCount,
		MaxCommandBytes: info.MaxCommandBytes(),
	})
}

func (s *Server) handleMemory(c *echo.Context) error {
	id, err := parseDevice(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	st, err := s.rt.MemoryStats(rt.DeviceID(id))
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, MemoryResponse{Object: "memory", Device: id, MemoryStats: st})
}

func (s *Server) handleP2P(c *echo.Context) error {
	a, err := parseDevice(c, "a")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	b, err := parseDevice(c, "b")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	for _, id := range []int{a, b} {
		if _, err := s.rt.DeviceProperties(rt.DeviceID(id)); err != nil {
			return writeRuntimeError(c, err)
		}
	}
	return writeJSON(c, http.StatusOK, P2PResponse{
		Object:  "p2p",
		A:       a,
		B:       b,
		Enabled: s.rt.IsP2PEnabled(rt.DeviceID(a), rt.DeviceID(b)),
	})
}

func (s *Server) handleCreateStream(c *echo.Context) error {
	req, err := decodeJSON[CreateStreamRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	id, err := s.rt.CreateStream(rt.DeviceID(req.Device))
	if err != nil {
		return writeRuntimeError(c, err)
	}
	info, err := s.rt.Stream(id)
	if err != nil {
		return writeRuntimeError(c, err)
	}
	s.log.Debug("stream created", "stream", uint32(id), "device", req.Device)
	return writeJSON(c, http.StatusCreated, StreamResponse{Object: "stream", StreamInfo: info})
}

func (s *Server) handleListStreams(c *echo.Context) error {
	infos := s.rt.Streams()
	data := make([]StreamResponse, len(infos))
	for i, info := range infos {
		data[i] = StreamResponse{Object: "stream", StreamInfo: info}
	}
	return writeJSON(c, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleGetStream(c *echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	info, err := s.rt.Stream(rt.StreamID(id))
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, StreamResponse{Object: "stream", StreamInfo: info})
}

func (s *Server) handleDestroyStream(c *echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.rt.DestroyStream(rt.StreamID(id)); err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, DeleteResponse{ID: id, Object: "stream.deleted", Deleted: true})
}

func (s *Server) handleStreamErrors(c *echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	errs, err := s.rt.RetrieveStreamErrors(rt.StreamID(id))
	if err != nil {
		return writeRuntimeError(c, err)
	}
	out := StreamErrorsResponse{Object: "list", Stream: id, Data: make([]StreamErrorItem, len(errs))}
	for i, e := range errs {
		out.Data[i] = toErrorItem(e)
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) waitRequest(c *echo.Context) (uint32, time.Duration, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return 0, 0, err
	}
	req, err := decodeJSON[WaitRequest](c.Request().Body)
	if err != nil {
		return 0, 0, err
	}
	timeout, err := timeoutOf(req.TimeoutMS, s.cfg.WaitTimeout, s.cfg.MaxWaitTimeout)
	if err != nil {
		return 0, 0, err
	}
	return id, timeout, nil
}

func (s *Server) handleWaitStream(c *echo.Context) error {
	id, timeout, err := s.waitRequest(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if _, err := s.rt.Stream(rt.StreamID(id)); err != nil {
		return writeRuntimeError(c, err)
	}
	done := s.rt.WaitForStream(c.Request().Context(), rt.StreamID(id), timeout)
	return writeJSON(c, http.StatusOK, WaitResponse{Object: "stream.wait", ID: id, Complete: done})
}

func (s *Server) handleAbortStream(c *echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.rt.AbortStream(rt.StreamID(id)); err != nil {
		return writeRuntimeError(c, err)
	}
	s.log.Info("stream aborted over http", "stream", id)
	return writeJSON(c, http.StatusAccepted, AbortResponse{Object: "stream.abort", ID: id})
}

func (s *Server) handleWaitEvent(c *echo.Context) error {
	id, timeout, err := s.waitRequest(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	done := s.rt.WaitForEvent(c.Request().Context(), rt.EventID(id), timeout)
	return writeJSON(c, http.StatusOK, WaitResponse{Object: "event.wait", ID: id, Complete: done})
}

func (s *Server) handleAbortEvent(c *echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	abortEv, err := s.rt.AbortCommand(ctx, rt.EventID(id), s.cfg.AbortTimeout)
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return writeJSON(c, http.StatusOK, AbortResponse{
		Object:     "event.abort",
		ID:         id,
		AbortEvent: uint32(abortEv),
		Complete:   s.rt.WaitForEvent(ctx, rt.EventID(id), 0),
	})
}
