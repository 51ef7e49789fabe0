package api

import (
	"github.com/samcharles93/etrt/internal/hostpool"
	"github.com/samcharles93/etrt/pkg/device"
	"github.com/samcharles93/etrt/pkg/rt"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type RuntimeResponse struct {
	Object   string         `json:"object"`
	Instance string         `json:"instance"`
	Version  string         `json:"version"`
	Devices  int            `json:"devices"`
	Streams  int            `json:"streams"`
	HostPool hostpool.Stats `json:"host_pool"`
}

type DeviceResponse struct {
	Object     string            `json:"object"`
	ID         int               `json:"id"`
	APIVersion string            `json:"api_version"`
	Properties device.Properties `json:"properties"`
}

type DeviceListResponse struct {
	Object string           `json:"object"`
	Data   []DeviceResponse `json:"data"`
}

type DmaResponse struct {
	Object          string `json:"object"`
	Device          int    `json:"device"`
	MaxElementSize  uint64 `json:"max_element_size"`
	MaxElementCount uint64 `json:"max_element_count"`
	MaxCommandBytes uint64 `json:"max_command_bytes"`
}

type MemoryResponse struct {
	Object string `json:"object"`
	Device int    `json:"device"`
	rt.MemoryStats
}

type P2PResponse struct {
	Object  string `json:"object"`
	A       int    `json:"a"`
	B       int    `json:"b"`
	Enabled bool   `json:"enabled"`
}

type CreateStreamRequest struct {
	Device int `json:"device"`
}

type StreamResponse struct {
	Object string `json:"object"`
	rt.StreamInfo
}

type DeleteResponse struct {
	ID      uint32 `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type StreamErrorItem struct {
	Code      device.ErrorCode     `json:"code"`
	Device    int                  `json:"device"`
	Stream    uint32               `json:"stream"`
	Event     uint32               `json:"event"`
	ShireMask uint64               `json:"shire_mask,omitempty"`
	Context   *device.ErrorContext `json:"context,omitempty"`
}

type StreamErrorsResponse struct {
	Object string            `json:"object"`
	Stream uint32            `json:"stream"`
	Data   []StreamErrorItem `json:"data"`
}

type WaitRequest struct {
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

type WaitResponse struct {
	Object   string `json:"object"`
	ID       uint32 `json:"id"`
	Complete bool   `json:"complete"`
}

type AbortResponse struct {
	Object     string `json:"object"`
	ID         uint32 `json:"id"`
	AbortEvent uint32 `json:"abort_event,omitempty"`
	Complete   bool   `json:"complete"`
}

func toErrorItem(e rt.StreamError) StreamErrorItem {
	return StreamErrorItem{
		Code:      e.Code,
		Device:    int(e.Device),
		Stream:    uint32(e.Stream),
		Event:     uint32(e.Event),
		ShireMask: e.ShireMask,
		Context:   e.Context,
	}
}
