package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/scusemua/notebook-relay/common/configuration"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/introspect"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
	"github.com/scusemua/notebook-relay/common/metrics"
	"github.com/scusemua/notebook-relay/gateway/internal/server"
	"github.com/scusemua/notebook-relay/testing/fake_kernel"
	"nhooyr.io/websocket"
)

const (
	kernelID     = "5f0c9a7e-kernel"
	cookieSecret = "0123456789abcdef0123456789abcdef"
)

// evaluate answers the introspection snippets the way an IPython kernel would for a kernel that defines a function
// "train" and an object "frame".
func evaluate(code string) fake_kernel.Outcome {
	switch {
	case strings.Contains(code, "__relay_source(train)"):
		return fake_kernel.Outcome{Data: map[string]interface{}{
			introspect.MimeTypeJSON: map[string]interface{}{"file": "/home/user/model.py", "source": "return fit(data)"},
		}}
	case strings.Contains(code, "__relay_source(missing)"):
		return fake_kernel.Outcome{
			Status:    messaging.MessageStatusError,
			EName:     "NameError",
			EValue:    "name 'missing' is not defined",
			Traceback: []string{"NameError: name 'missing' is not defined"},
		}
	case strings.Contains(code, "__relay_value = frame"):
		return fake_kernel.Outcome{Data: map[string]interface{}{introspect.MimeTypeHTML: "<table></table>"}}
	default:
		return fake_kernel.Outcome{}
	}
}

type kernelInfo struct {
	Header struct {
		MsgType string `json:"msg_type"`
	} `json:"header"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	Content map[string]interface{} `json:"content"`
}

var _ = Describe("RelayServer", func() {
	var (
		opts         *configuration.RelayOptions
		registry     *bus.MemoryRegistry
		kernel       *fake_kernel.FakeKernel
		auth         *relay.CookieAuthenticator
		relayMetrics *metrics.RelayMetrics
		srv          *server.RelayServer
		ts           *httptest.Server
		ctx          context.Context
		cancel       context.CancelFunc
	)

	// start creates the server. Tests may change opts before calling it.
	start := func() {
		var err error
		auth = relay.NewCookieAuthenticator([]byte(cookieSecret), nil, opts.PasswordRequired)
		srv, err = server.NewRelayServer(opts, registry, kernel, auth, relayMetrics)
		Expect(err).To(BeNil())
		ts = httptest.NewServer(srv.Handler())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		opts = configuration.DefaultRelayOptions()
		opts.FirstBeatDelayMs = 50
		opts.TimeToDeadMs = 150
		opts.ExecuteTimeoutMs = 2000
		opts.ResultGraceMs = 500

		kernel = fake_kernel.NewFakeKernel(kernelID, fake_kernel.Options{
			Key:       "a0436f6c-1916-498b-8eb9-e81ab9368e84",
			Evaluator: evaluate,
		})
		registry = bus.NewMemoryRegistry()
		Expect(registry.Register(ctx, kernelID, kernel.ConnectionInfo())).To(Succeed())
		relayMetrics = metrics.NewRelayMetrics()
	})

	AfterEach(func() {
		if ts != nil {
			ts.Close()
			ts = nil
		}
		if srv != nil {
			srv.Close()
			srv = nil
		}
		kernel.Close()
		cancel()
	})

	dial := func(channel string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/kernels/" + kernelID + "/" + channel
		conn, _, err := websocket.Dial(ctx, url, nil)
		Expect(err).To(BeNil())
		return conn
	}

	get := func(path string, cookie string) (int, string) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
		Expect(err).To(BeNil())
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}

		resp, err := http.DefaultClient.Do(req)
		Expect(err).To(BeNil())
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).To(BeNil())
		return resp.StatusCode, string(body)
	}

	Context("Channels", func() {
		BeforeEach(func() {
			start()
		})

		It("Will relay a kernel_info_request and its reply over the shell channel", func() {
			conn := dial("shell")
			defer conn.CloseNow()

			Expect(conn.Write(ctx, websocket.MessageText, []byte(""))).To(Succeed())
			Expect(conn.Write(ctx, websocket.MessageText,
				[]byte(`{"header":{"msg_id":"req-1","msg_type":"kernel_info_request"},"content":{}}`))).To(Succeed())

			_, data, err := conn.Read(ctx)
			Expect(err).To(BeNil())

			var reply kernelInfo
			Expect(json.Unmarshal(data, &reply)).To(Succeed())
			Expect(reply.Header.MsgType).To(Equal(messaging.KernelInfoReply))
			Expect(reply.ParentHeader.MsgID).To(Equal("req-1"))
			Expect(reply.Content["status"]).To(Equal(messaging.MessageStatusOK))

			Eventually(func() int { return len(kernel.Requests()) }).Should(Equal(1))
		})

		It("Will push kernel broadcasts over the iopub channel", func() {
			conn := dial("iopub")
			defer conn.CloseNow()
			Expect(conn.Write(ctx, websocket.MessageText, []byte(""))).To(Succeed())

			// The relay subscribes after the handshake is processed.
			Eventually(func() float64 {
				return testutil.ToFloat64(relayMetrics.ActiveSessions.WithLabelValues("iopub"))
			}).Should(Equal(1.0))

			kernel.Publish(messaging.IOStream, messaging.MessageHeader{MsgID: "parent-1"},
				map[string]interface{}{"name": "stdout", "text": "hi\n"})

			_, data, err := conn.Read(ctx)
			Expect(err).To(BeNil())
			Expect(string(data)).To(ContainSubstring(`"text":"hi\n"`))
		})

		It("Will tell the client and close the iopub channel when the kernel dies", func() {
			conn := dial("iopub")
			defer conn.CloseNow()
			Expect(conn.Write(ctx, websocket.MessageText, []byte(""))).To(Succeed())

			Eventually(kernel.Pings).Should(BeNumerically(">", 0))
			kernel.SetResponsive(false)

			_, data, err := conn.Read(ctx)
			Expect(err).To(BeNil())
			Expect(string(data)).To(ContainSubstring(`"execution_state":"dead"`))

			_, _, err = conn.Read(ctx)
			Expect(websocket.CloseStatus(err)).To(Equal(websocket.StatusNormalClosure))

			_, ok, err := registry.Lookup(ctx, kernelID)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())
		})

		It("Will return 404 for a kernel that is not registered", func() {
			url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/kernels/unknown/shell"
			_, resp, err := websocket.Dial(ctx, url, nil)
			Expect(err).ToNot(BeNil())
			Expect(resp).ToNot(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("Will serve metrics", func() {
			status, body := get("/metrics", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("notebook_relay_"))
		})
	})

	Context("Size limits", func() {
		BeforeEach(func() {
			opts.MaxMessageSize = 1024
			start()
		})

		It("Will drop a request over the limit and keep the shell channel open", func() {
			conn := dial("shell")
			defer conn.CloseNow()

			oversized := `{"msg_type":"kernel_info_request","content":{"pad":"` + strings.Repeat("x", 4096) + `"}}`
			Expect(conn.Write(ctx, websocket.MessageText, []byte(""))).To(Succeed())
			Expect(conn.Write(ctx, websocket.MessageText, []byte(oversized))).To(Succeed())
			Expect(conn.Write(ctx, websocket.MessageText,
				[]byte(`{"header":{"msg_id":"req-2","msg_type":"kernel_info_request"},"content":{}}`))).To(Succeed())

			_, data, err := conn.Read(ctx)
			Expect(err).To(BeNil())

			var reply kernelInfo
			Expect(json.Unmarshal(data, &reply)).To(Succeed())
			Expect(reply.Header.MsgType).To(Equal(messaging.KernelInfoReply))
			Expect(reply.ParentHeader.MsgID).To(Equal("req-2"))

			Expect(kernel.Requests()).To(HaveLen(1))
			Expect(testutil.ToFloat64(relayMetrics.OversizedMessagesDropped)).To(Equal(1.0))
		})
	})

	Context("Authentication", func() {
		BeforeEach(func() {
			opts.PasswordRequired = true
			start()
		})

		It("Will close the channel with a policy violation when the handshake fails", func() {
			conn := dial("shell")
			defer conn.CloseNow()

			Expect(conn.Write(ctx, websocket.MessageText, []byte("username=forged"))).To(Succeed())

			_, _, err := conn.Read(ctx)
			Expect(websocket.CloseStatus(err)).To(Equal(websocket.StatusPolicyViolation))
			Expect(kernel.Requests()).To(BeEmpty())
		})

		It("Will accept a signed user cookie as the handshake", func() {
			value, err := auth.Encode("alice")
			Expect(err).To(BeNil())

			conn := dial("shell")
			defer conn.CloseNow()

			Expect(conn.Write(ctx, websocket.MessageText, []byte(relay.DefaultCookieName+"="+value))).To(Succeed())
			Expect(conn.Write(ctx, websocket.MessageText, []byte(`{"msg_type":"kernel_info_request","content":{}}`))).To(Succeed())

			_, data, err := conn.Read(ctx)
			Expect(err).To(BeNil())
			Expect(string(data)).To(ContainSubstring(messaging.KernelInfoReply))
		})

		It("Will open introspection to anonymous users only while read-only", func() {
			status, _ := get("/api/kernels", "")
			Expect(status).To(Equal(http.StatusForbidden))

			srv.SetReadOnly(true)
			status, body := get("/api/kernels", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(kernelID))

			srv.SetReadOnly(false)
			status, _ = get("/api/kernels", "")
			Expect(status).To(Equal(http.StatusForbidden))

			value, err := auth.Encode("alice")
			Expect(err).To(BeNil())
			status, _ = get("/api/kernels", relay.DefaultCookieName+"="+value)
			Expect(status).To(Equal(http.StatusOK))
		})

		It("Will always require a user to invalidate sources", func() {
			srv.SetReadOnly(true)

			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ts.URL+"/api/kernels/"+kernelID+"/source", nil)
			Expect(err).To(BeNil())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).To(BeNil())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Context("Introspection", func() {
		BeforeEach(func() {
			start()
		})

		It("Will fetch the source of a function and serve it from cache", func() {
			status, body := get("/api/kernels/"+kernelID+"/source/train?fingerprint=v1", "")
			Expect(status).To(Equal(http.StatusOK))

			var source introspect.Source
			Expect(json.Unmarshal([]byte(body), &source)).To(Succeed())
			Expect(source.File).To(Equal("/home/user/model.py"))
			Expect(source.Source).To(Equal("return fit(data)"))
			Expect(kernel.Requests()).To(HaveLen(1))

			status, _ = get("/api/kernels/"+kernelID+"/source/train?fingerprint=v1", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(kernel.Requests()).To(HaveLen(1))

			status, _ = get("/api/kernels/"+kernelID+"/source/train?fingerprint=v2", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(kernel.Requests()).To(HaveLen(2))
		})

		It("Will report an exception raised by the kernel", func() {
			status, body := get("/api/kernels/"+kernelID+"/source/missing", "")
			Expect(status).To(Equal(http.StatusInternalServerError))
			Expect(body).To(ContainSubstring(`"ename":"NameError"`))
		})

		It("Will reject names that are not identifiers", func() {
			status, _ := get("/api/kernels/"+kernelID+"/source/os.system('ls')", "")
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(kernel.Requests()).To(BeEmpty())
		})

		It("Will return 404 when nothing is displayed", func() {
			status, _ := get("/api/kernels/"+kernelID+"/html/nothing", "")
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("Will render an object as HTML", func() {
			status, body := get("/api/kernels/"+kernelID+"/html/frame?attr=to_html", "")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal("<table></table>"))
		})

		It("Will forget a kernel that is no longer registered", func() {
			status, _ := get("/api/kernels/"+kernelID+"/source/train?fingerprint=v1", "")
			Expect(status).To(Equal(http.StatusOK))

			_, err := registry.Remove(ctx, kernelID)
			Expect(err).To(BeNil())

			// Cached sources are still served until the kernel's client is needed.
			status, _ = get("/api/kernels/"+kernelID+"/source/train?fingerprint=v1", "")
			Expect(status).To(Equal(http.StatusOK))

			status, _ = get("/api/kernels/"+kernelID+"/html/frame", "")
			Expect(status).To(Equal(http.StatusNotFound))

			status, _ = get("/api/kernels/"+kernelID+"/source/train?fingerprint=v1", "")
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(kernel.Requests()).To(HaveLen(1))
		})
	})
})
