package server

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/execution"
	"github.com/scusemua/notebook-relay/common/jupyter/introspect"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// KernelResponse describes a registered kernel.
type KernelResponse struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	IP        string `json:"ip"`
}

// ServeChannel upgrades the request to a websocket and runs a ChannelSession on the given channel of the kernel
// named in the path. The first websocket message is the handshake credential.
func (s *RelayServer) ServeChannel(channel bus.MessageType) gin.HandlerFunc {
	return func(c *gin.Context) {
		kernelID := c.Param("kernel_id")

		if _, ok, err := s.registry.Lookup(c.Request.Context(), kernelID); err != nil {
			s.log.Error("Failed to look up kernel %s: %v", kernelID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		} else if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": errors.Wrap(bus.ErrKernelNotFound, kernelID).Error()})
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{})
		if err != nil {
			s.log.Error("Failed to accept %s connection for kernel %s: %v", channel, kernelID, err)
			return
		}
		defer conn.CloseNow()

		transport := relay.NewWebsocketTransport(conn, s.opts.MaxMessageSize)
		session := relay.NewChannelSession(kernelID, channel, transport, s.auth, s.newHandler(kernelID, channel),
			relay.SessionOptions{
				RateLimit: rate.Limit(s.opts.ClientRateLimit),
				RateBurst: s.opts.ClientRateBurst,
			})

		s.log.Debug("Opened %s session %s for kernel %s.", channel, session.ID(), kernelID)
		if err := session.Run(c.Request.Context()); err != nil {
			s.log.Warn("%s session %s of kernel %s ended: %v", channel, session.ID(), kernelID, err)
		}
	}
}

func (s *RelayServer) newHandler(kernelID string, channel bus.MessageType) relay.ChannelHandler {
	if channel == bus.IOMessage {
		return relay.NewIOPubRelay(kernelID, s.connector, s.registry, s.heartbeatOptions(), s.metrics)
	}
	return relay.NewShellRelay(kernelID, s.connector, s.opts.MaxMessageSize, s.metrics)
}

// HandleListKernels returns the registered kernels, sorted by ID.
func (s *RelayServer) HandleListKernels(c *gin.Context) {
	ids, err := s.registry.KernelIDs(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	sort.Strings(ids)

	kernels := make([]KernelResponse, 0, len(ids))
	for _, id := range ids {
		info, ok, err := s.registry.Lookup(c.Request.Context(), id)
		if err != nil {
			s.abort(c, err)
			return
		} else if !ok {
			// Removed since it was listed.
			continue
		}
		kernels = append(kernels, KernelResponse{ID: id, Transport: info.Transport, IP: info.IP})
	}

	c.JSON(http.StatusOK, kernels)
}

// HandleGetSource returns the source of a function defined in a kernel. An optional "fingerprint" query parameter
// identifies the version of the function the caller expects, so that an unchanged function is served from cache.
func (s *RelayServer) HandleGetSource(c *gin.Context) {
	kernelID, name := c.Param("kernel_id"), c.Param("name")

	s.log.Debug("User %s requested the source of %s from kernel %s.", User(c), name, kernelID)
	source, err := s.fetcher.FetchSource(c.Request.Context(), kernelID, name, c.Query("fingerprint"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, source)
}

// HandleInvalidateSources drops cached sources of a kernel, either one function or all of them.
func (s *RelayServer) HandleInvalidateSources(c *gin.Context) {
	kernelID, name := c.Param("kernel_id"), c.Param("name")

	if name == "" {
		c.JSON(http.StatusOK, gin.H{"invalidated": s.sourceCache.InvalidateKernel(kernelID)})
		return
	}

	invalidated := 0
	if s.sourceCache.Invalidate(kernelID, name) {
		invalidated = 1
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": invalidated})
}

// HandleRenderHTML renders an object defined in a kernel as HTML. Each "attr" query parameter names an accessor to
// try, in order. Without any, the default accessor is used.
func (s *RelayServer) HandleRenderHTML(c *gin.Context) {
	kernelID, object := c.Param("kernel_id"), c.Param("object")

	var accessors []string
	for _, attr := range c.QueryArray("attr") {
		for _, a := range strings.Split(attr, ",") {
			if a = strings.TrimSpace(a); a != "" {
				accessors = append(accessors, a)
			}
		}
	}

	html, err := s.renderer.Render(c.Request.Context(), kernelID, object, accessors...)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// abort maps an introspection error to an HTTP status and writes it as JSON.
func (s *RelayServer) abort(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}

	var status int
	var execErr *execution.ExecutionError
	switch {
	case errors.Is(err, introspect.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, bus.ErrKernelNotFound), errors.Is(err, introspect.ErrNoResult):
		status = http.StatusNotFound
	case errors.Is(err, execution.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &execErr):
		status = http.StatusInternalServerError
		body["ename"] = execErr.EName
		body["evalue"] = execErr.EValue
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.AbortWithStatusJSON(status, body)
}
