package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/etrt/internal/logger"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/device/memdev"
	"github.com/samcharles93/etrt/pkg/rt"
)

type testEnv struct {
	e   *echo.Echo
	rt  *rt.Runtime
	dev *memdev.Layer
}

func newTestEnv(t *testing.T, cfg memdev.Config) testEnv {
	t.Helper()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 4 << 20
	}
	layer, err := memdev.New(cfg)
	if err != nil {
		t.Fatalf("memdev.New: %v", err)
	}
	t.Cleanup(func() { _ = layer.Close() })
	opts := rt.DefaultOptions()
	opts.Logger = logger.Nop()
	runtime, err := rt.New(layer, opts)
	if err != nil {
		t.Fatalf("rt.New: %v", err)
	}
	t.Cleanup(func() { _ = runtime.Close() })

	e := echo.New()
	NewServer(runtime, Config{WaitTimeout: time.Second}, logger.Nop()).Register(e)
	return testEnv{e: e, rt: runtime, dev: layer}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestDeviceEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{Devices: 2, DisableP2P: true})

	rec := doJSON(t, env.e, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[DeviceListResponse](t, rec)
	if len(list.Data) != 2 || list.Data[1].ID != 1 {
		t.Fatalf("unexpected device list: %+v", list)
	}
	if list.Data[0].APIVersion != memdev.DefaultAPIVersion.String() {
		t.Fatalf("api version %q", list.Data[0].APIVersion)
	}
	if !strings.Contains(rec.Body.String(), `"device_arch":"ETSOC1"`) {
		t.Fatalf("arch not rendered by name: %s", rec.Body.String())
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/devices/1/dma", "")
	dma := decode[DmaResponse](t, rec)
	if dma.MaxElementSize != memdev.DefaultDmaInfo.MaxElementSize || dma.MaxCommandBytes == 0 {
		t.Fatalf("unexpected dma info: %+v", dma)
	}

	if _, err := env.rt.MallocDevice(0, 4096, 0); err != nil {
		t.Fatalf("MallocDevice: %v", err)
	}
	rec = doJSON(t, env.e, http.MethodGet, "/v1/devices/0/memory", "")
	mem := decode[MemoryResponse](t, rec)
	if mem.Used != 4096 || mem.Allocations != 1 || mem.Total != 4<<20 {
		t.Fatalf("unexpected memory stats: %+v", mem)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/p2p/0/1", "")
	if p2p := decode[P2PResponse](t, rec); p2p.Enabled {
		t.Fatalf("p2p reported enabled: %+v", p2p)
	}
	rec = doJSON(t, env.e, http.MethodGet, "/v1/p2p/1/1", "")
	if p2p := decode[P2PResponse](t, rec); !p2p.Enabled {
		t.Fatalf("device not p2p capable with itself: %+v", p2p)
	}
}

func TestDeviceEndpointErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{})

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/devices/7", http.StatusNotFound},
		{"/v1/devices/x", http.StatusBadRequest},
		{"/v1/devices/-1/memory", http.StatusNotFound},
		{"/v1/p2p/0/4", http.StatusNotFound},
	}
	for _, tc := range tests {
		rec := doJSON(t, env.e, http.MethodGet, tc.path, "")
		if rec.Code != tc.status {
			t.Errorf("%s: got %d body=%s", tc.path, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Errorf("%s: missing error object: %s", tc.path, rec.Body.String())
		}
	}
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{})

	rec := doJSON(t, env.e, http.MethodPost, "/v1/streams", `{"device":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[StreamResponse](t, rec)
	if created.ID == 0 || created.Device != 0 {
		t.Fatalf("unexpected stream: %+v", created)
	}
	path := "/v1/streams/" + itoa(uint32(created.ID))

	if err := env.dev.FailNext(0, device.KindDmaWrite, device.DmaInvalidSize); err != nil {
		t.Fatalf("FailNext: %v", err)
	}
	ptr, err := env.rt.MallocDevice(0, 64, 0)
	if err != nil {
		t.Fatalf("MallocDevice: %v", err)
	}
	ev, err := env.rt.MemcpyHostToDevice(created.ID, make([]byte, 64), ptr, 64, false, nil)
	if err != nil {
		t.Fatalf("MemcpyHostToDevice: %v", err)
	}

	rec = doJSON(t, env.e, http.MethodPost, path+"/wait", `{"timeout_ms":2000}`)
	if wait := decode[WaitResponse](t, rec); !wait.Complete {
		t.Fatalf("stream wait: %s", rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, "/v1/events/"+itoa(uint32(ev))+"/wait", "")
	if wait := decode[WaitResponse](t, rec); !wait.Complete {
		t.Fatalf("event wait: %s", rec.Body.String())
	}

	rec = doJSON(t, env.e, http.MethodGet, path+"/errors", "")
	errs := decode[StreamErrorsResponse](t, rec)
	if len(errs.Data) != 1 || errs.Data[0].Code != device.DmaInvalidSize || errs.Data[0].Event != uint32(ev) {
		t.Fatalf("unexpected errors: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"code":"DMA_INVALID_SIZE"`) {
		t.Fatalf("code not rendered by name: %s", rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodGet, path+"/errors", "")
	if again := decode[StreamErrorsResponse](t, rec); len(again.Data) != 0 {
		t.Fatalf("errors returned twice: %s", rec.Body.String())
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/streams", "")
	if !strings.Contains(rec.Body.String(), `"object":"list"`) {
		t.Fatalf("list streams: %s", rec.Body.String())
	}

	rec = doJSON(t, env.e, http.MethodDelete, path, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodDelete, path, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, path+"/wait", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("wait on deleted stream: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStreamValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{})

	rec := doJSON(t, env.e, http.MethodPost, "/v1/streams", `{"device":3}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, "/v1/streams", `{"devise":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodGet, "/v1/streams/zz/errors", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, "/v1/events/1/wait", `{"timeout_ms":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative timeout: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestEventEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{})

	rec := doJSON(t, env.e, http.MethodPost, "/v1/events/42/wait", `{"timeout_ms":1}`)
	if wait := decode[WaitResponse](t, rec); wait.Complete {
		t.Fatalf("never-issued event complete: %s", rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, "/v1/events/42/abort", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("abort of unknown event: got %d body=%s", rec.Code, rec.Body.String())
	}

	started := make(chan struct{}, 1)
	env.dev.Register("spin", func(ctx context.Context, _ *memdev.Call) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	s, err := env.rt.CreateStream(0)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	res, err := env.rt.LoadCode(s, memdev.MustImage("spin", nil))
	if err != nil {
		t.Fatalf("LoadCode: %v", err)
	}
	ev, err := env.rt.KernelLaunch(s, res.Kernel, nil, rt.KernelLaunchOptions{})
	if err != nil {
		t.Fatalf("KernelLaunch: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("kernel never started")
	}

	rec = doJSON(t, env.e, http.MethodPost, "/v1/events/"+itoa(uint32(ev))+"/abort", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("abort: got %d body=%s", rec.Code, rec.Body.String())
	}
	abort := decode[AbortResponse](t, rec)
	if !abort.Complete || abort.AbortEvent == 0 || abort.AbortEvent == uint32(ev) {
		t.Fatalf("unexpected abort response: %+v", abort)
	}
	errs, _ := env.rt.RetrieveStreamErrors(s)
	if len(errs) != 1 || errs[0].Code != device.KernelLaunchHostAborted {
		t.Fatalf("errors after abort: %v", errs)
	}
}

func TestAbortStreamEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{})
	s, err := env.rt.CreateStream(0)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	rec := doJSON(t, env.e, http.MethodPost, "/v1/streams/"+itoa(uint32(s))+"/abort", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("abort: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodPost, "/v1/streams/12345/abort", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("abort unknown stream: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRuntimeEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, memdev.Config{Devices: 3})
	rec := doJSON(t, env.e, http.MethodGet, "/v1/runtime", "")
	info := decode[RuntimeResponse](t, rec)
	if info.Instance != env.rt.InstanceID().String() || info.Devices != 3 || info.Version == "" {
		t.Fatalf("unexpected runtime info: %+v", info)
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
	}{
		{rt.ErrInvalidHandle, http.StatusNotFound},
		{rt.ErrInvalidArgument, http.StatusBadRequest},
		{newInvalidRequest("x"), http.StatusBadRequest},
		{rt.ErrKernelLoading, http.StatusConflict},
		{rt.ErrOutOfMemory, http.StatusInsufficientStorage},
		{rt.ErrClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got, _ := statusOf(tc.err); got != tc.status {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
