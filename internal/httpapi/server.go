// Package httpapi is the Echo application: REST endpoints for room
// creation, lookup and listing, plus the websocket mount.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"watchparty/internal/protocol"
	"watchparty/internal/registry"
	"watchparty/internal/room"
	"watchparty/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	store      *room.Store
	reg        *registry.Registry
	iceServers []string
}

// New constructs the app with REST + websocket routes.
func New(store *room.Store, reg *registry.Registry, wsHandler *ws.Handler, iceServers []string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: store, reg: reg, iceServers: iceServers}
	s.registerRoutes(wsHandler)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(wsHandler *ws.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/ice-servers", s.handleICEServers)

	s.echo.POST("/api/rooms", s.handleCreateRoom)
	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.GET("/api/rooms/:id", s.handleGetRoom)

	if wsHandler != nil {
		wsHandler.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Rooms:       s.store.Count(),
		Connections: s.reg.Count(),
	})
}

type stateResponse struct {
	Rooms       []protocol.RoomSummary `json:"rooms"`
	Connections int                    `json:"connections"`
}

func (s *Server) handleState(c echo.Context) error {
	rooms := s.store.ListPublic(1, 50)
	return c.JSON(http.StatusOK, stateResponse{
		Rooms:       rooms,
		Connections: s.reg.Count(),
	})
}

type iceServersResponse struct {
	ICEServers []protocol.ICEServerInfo `json:"iceServers"`
}

func (s *Server) handleICEServers(c echo.Context) error {
	out := make([]protocol.ICEServerInfo, 0, len(s.iceServers))
	for _, u := range s.iceServers {
		out = append(out, protocol.ICEServerInfo{URLs: []string{u}})
	}
	return c.JSON(http.StatusOK, iceServersResponse{ICEServers: out})
}

type createRoomRequest struct {
	RoomName        string `json:"roomName"`
	IsPrivate       bool   `json:"isPrivate"`
	MaxParticipants int    `json:"maxParticipants"`
}

type createRoomResponse struct {
	Success bool                 `json:"success"`
	Room    protocol.RoomSummary `json:"room"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot parse json")
	}

	summary, err := s.store.Create(req.RoomName, req.IsPrivate, req.MaxParticipants)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, createRoomResponse{Success: true, Room: summary})
}

type listRoomsResponse struct {
	Success bool                   `json:"success"`
	Rooms   []protocol.RoomSummary `json:"rooms"`
}

func (s *Server) handleListRooms(c echo.Context) error {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	return c.JSON(http.StatusOK, listRoomsResponse{
		Success: true,
		Rooms:   s.store.ListPublic(page, limit),
	})
}

type getRoomResponse struct {
	Success bool                 `json:"success"`
	Room    protocol.RoomSummary `json:"room"`
}

func (s *Server) handleGetRoom(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	summary, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, getRoomResponse{Success: true, Room: summary})
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
