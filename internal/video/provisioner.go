// Package video requests conferencing rooms from an external provider.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

var tracer = otel.Tracer("telemed.internal.video")

type RoomRequest struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	StartsAt      time.Time
	// Room stays usable until StartsAt + Duration.
	Duration time.Duration
}

type Room struct {
	Handle  string
	JoinURL string
}

// Provisioner creates a room for one appointment. Failures are expected and
// must be tolerated by callers.
type Provisioner interface {
	CreateRoom(ctx context.Context, req RoomRequest) (Room, error)
}

// HTTPProvisioner talks to a JSON room API: POST {base}/v1/rooms.
type HTTPProvisioner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewHTTPProvisioner(baseURL, apiKey string, logger *logging.Logger) *HTTPProvisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPProvisioner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type createRoomBody struct {
	Name      string `json:"name"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
}

type createRoomResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p *HTTPProvisioner) CreateRoom(ctx context.Context, req RoomRequest) (Room, error) {
	ctx, span := tracer.Start(ctx, "video.create_room")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.appointment_id", req.AppointmentID.String()))

	body, err := json.Marshal(createRoomBody{
		Name:      "appt-" + req.AppointmentID.String(),
		NotBefore: req.StartsAt.Add(-time.Hour).Unix(),
		ExpiresAt: req.StartsAt.Add(req.Duration).Unix(),
	})
	if err != nil {
		return Room{}, fmt.Errorf("video: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, fmt.Errorf("video: request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Room{}, fmt.Errorf("video: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Room{}, fmt.Errorf("video: api status %d: %s", resp.StatusCode, string(data))
	}

	var parsed createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Room{}, fmt.Errorf("video: decode: %w", err)
	}
	if parsed.URL == "" {
		return Room{}, fmt.Errorf("video: response missing room url")
	}

	handle := parsed.ID
	if handle == "" {
		handle = parsed.Name
	}
	return Room{Handle: handle, JoinURL: parsed.URL}, nil
}

// DryRunProvisioner fabricates rooms locally; used when no API is configured.
type DryRunProvisioner struct {
	logger *logging.Logger
}

func NewDryRunProvisioner(logger *logging.Logger) *DryRunProvisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &DryRunProvisioner{logger: logger}
}

func (p *DryRunProvisioner) CreateRoom(_ context.Context, req RoomRequest) (Room, error) {
	handle := "dryrun-" + req.AppointmentID.String()[:8]
	p.logger.Info("video dry run: skipping room creation", "appointment_id", req.AppointmentID, "handle", handle)
	return Room{
		Handle:  handle,
		JoinURL: "https://video.invalid/rooms/" + handle,
	}, nil
}

var (
	_ Provisioner = (*HTTPProvisioner)(nil)
	_ Provisioner = (*DryRunProvisioner)(nil)
)
