package relay_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
	"github.com/scusemua/notebook-relay/common/metrics"
	"nhooyr.io/websocket"
)

const signingKey = "c0ffee"

// kernelInbox collects the messages a fake kernel receives on one of its pipes.
type kernelInbox struct {
	mu       sync.Mutex
	messages []*messaging.Message
	invalid  int
}

func newKernelInbox(stream *bus.PipeStream, codec *messaging.Codec) *kernelInbox {
	inbox := &kernelInbox{}
	stream.OnRecv(func(msg zmq4.Msg) {
		inbox.mu.Lock()
		defer inbox.mu.Unlock()

		decoded, err := codec.Decode(msg.Frames)
		if err != nil {
			inbox.invalid++
			return
		}
		inbox.messages = append(inbox.messages, decoded)
	})
	return inbox
}

func (i *kernelInbox) Messages() []*messaging.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*messaging.Message(nil), i.messages...)
}

func (i *kernelInbox) Invalid() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.invalid
}

func (i *kernelInbox) Len() int {
	return len(i.Messages())
}

// request builds a bare transport request whose encoding is exactly size bytes long.
func request(msgType string, size int) string {
	prefix := `{"msg_type":"` + msgType + `","content":{"pad":"`
	suffix := `"}}`
	return prefix + strings.Repeat("x", size-len(prefix)-len(suffix)) + suffix
}

var _ = Describe("ShellRelay", func() {
	var (
		connector    *pipeConnector
		transport    *chanTransport
		relayMetrics *metrics.RelayMetrics
		shell        *relay.ShellRelay
		session      *relay.ChannelSession
		kernelCodec  *messaging.Codec
		ctx          context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		connector = newPipeConnector(signingKey)
		transport = newChanTransport()
		relayMetrics = metrics.NewRelayMetrics()
		kernelCodec = connector.KernelCodec()

		shell = relay.NewShellRelay("kernel-1", connector, 256, relayMetrics)
		session = relay.NewChannelSession("kernel-1", bus.ShellMessage, transport,
			relay.NewCookieAuthenticator([]byte(signingKey), nil, false), shell, relay.SessionOptions{})
	})

	AfterEach(func() {
		session.Close()
		connector.Close()
	})

	authenticate := func() {
		Expect(session.HandleMessage(ctx, []byte(""))).To(Succeed())
		Expect(session.State()).To(Equal(relay.Authenticated))
	}

	It("Will not touch the kernel before the handshake", func() {
		Expect(session.HandleMessage(ctx, []byte(`{"msg_type":"kernel_info_request","content":{}}`))).To(Succeed())
		Expect(connector.kernelShell.Pending()).To(BeZero())
		Expect(testutil.ToFloat64(relayMetrics.ActiveSessions.WithLabelValues("shell"))).To(BeZero())
	})

	It("Will wrap and forward a bare request", func() {
		inbox := newKernelInbox(connector.kernelShell, kernelCodec)
		authenticate()

		Expect(session.HandleMessage(ctx, []byte(`{"msg_type":"kernel_info_request","content":{}}`))).To(Succeed())

		Eventually(inbox.Len).Should(Equal(1))
		msg := inbox.Messages()[0]
		Expect(msg.Type()).To(Equal(messaging.JupyterMessageType(messaging.KernelInfoRequest)))
		Expect(msg.Header.MsgID).ToNot(BeEmpty())
		Expect(msg.Header.Session).ToNot(BeEmpty())
		Expect(inbox.Invalid()).To(BeZero())
		Expect(testutil.ToFloat64(relayMetrics.MessagesForwarded.WithLabelValues("shell", metrics.DirectionToKernel))).To(Equal(1.0))
	})

	It("Will keep the header of a complete request", func() {
		inbox := newKernelInbox(connector.kernelShell, kernelCodec)
		authenticate()

		Expect(session.HandleMessage(ctx, []byte(`{"header":{"msg_id":"m-1","session":"s-1","msg_type":"execute_request"},`+
			`"parent_header":{},"metadata":{},"content":{"code":"1+1"}}`))).To(Succeed())

		Eventually(inbox.Len).Should(Equal(1))
		msg := inbox.Messages()[0]
		Expect(msg.Header.MsgID).To(Equal("m-1"))
		Expect(msg.Header.Session).To(Equal("s-1"))
		Expect(msg.Content).To(HaveKeyWithValue("code", "1+1"))
	})

	It("Will drop requests at or above the maximum size", func() {
		inbox := newKernelInbox(connector.kernelShell, kernelCodec)
		authenticate()

		Expect(session.HandleMessage(ctx, []byte(request(messaging.KernelInfoRequest, 256)))).To(Succeed())
		Expect(session.HandleMessage(ctx, []byte(request(messaging.KernelInfoRequest, 1024)))).To(Succeed())
		Consistently(inbox.Len, 100*time.Millisecond).Should(BeZero())
		Expect(testutil.ToFloat64(relayMetrics.OversizedMessagesDropped)).To(Equal(2.0))

		Expect(session.HandleMessage(ctx, []byte(request(messaging.KernelInfoRequest, 255)))).To(Succeed())
		Eventually(inbox.Len).Should(Equal(1))
	})

	It("Will count requests the transport discarded", func() {
		inbox := newKernelInbox(connector.kernelShell, kernelCodec)
		authenticate()

		Expect(session.HandleOversizedMessage(ctx, 4096)).To(Succeed())
		Consistently(inbox.Len, 100*time.Millisecond).Should(BeZero())
		Expect(testutil.ToFloat64(relayMetrics.OversizedMessagesDropped)).To(Equal(1.0))
		Expect(session.State()).To(Equal(relay.Authenticated))

		Expect(session.HandleMessage(ctx, []byte(request(messaging.KernelInfoRequest, 255)))).To(Succeed())
		Eventually(inbox.Len).Should(Equal(1))
	})

	It("Will drop client requests without a message type", func() {
		inbox := newKernelInbox(connector.kernelShell, kernelCodec)
		authenticate()

		Expect(session.HandleMessage(ctx, []byte(`{"content":{}}`))).To(Succeed())
		Expect(session.HandleMessage(ctx, []byte(`not json`))).To(Succeed())
		Consistently(inbox.Len, 100*time.Millisecond).Should(BeZero())
		Expect(testutil.ToFloat64(relayMetrics.MalformedMessages.WithLabelValues("shell"))).To(Equal(2.0))
		Expect(session.State()).To(Equal(relay.Authenticated))
	})

	It("Will forward every reply from the kernel in order", func() {
		authenticate()

		for _, executionCount := range []int{1, 2, 3} {
			reply := kernelCodec.NewMessage(messaging.ShellExecuteReply, map[string]interface{}{
				"status":          messaging.MessageStatusOK,
				"execution_count": executionCount,
			})
			frames, err := kernelCodec.Encode(reply)
			Expect(err).To(BeNil())
			Expect(connector.kernelShell.Send(zmq4.NewMsgFrom(append([][]byte{[]byte("identity")}, frames...)...))).To(Succeed())
		}

		Eventually(transport.Written).Should(HaveLen(3))
		for i, data := range transport.Written() {
			var msg messaging.Message
			Expect(json.Unmarshal([]byte(data), &msg)).To(Succeed())
			Expect(msg.Type()).To(Equal(messaging.JupyterMessageType(messaging.ShellExecuteReply)))
			Expect(msg.Header.Date).To(BeEmpty())
			Expect(msg.Content).To(HaveKeyWithValue("execution_count", BeNumerically("==", i+1)))
		}
	})

	It("Will drop replies with an invalid signature", func() {
		authenticate()

		forger := messaging.NewCodec([]byte("not the key"), "")
		frames, err := forger.Encode(forger.NewMessage(messaging.KernelInfoReply, nil))
		Expect(err).To(BeNil())
		Expect(connector.kernelShell.Send(zmq4.NewMsgFrom(frames...))).To(Succeed())
		Expect(connector.kernelShell.Send(zmq4.NewMsgString("garbage"))).To(Succeed())

		Eventually(func() float64 {
			return testutil.ToFloat64(relayMetrics.MalformedMessages.WithLabelValues("shell"))
		}).Should(Equal(2.0))
		Expect(transport.Written()).To(BeEmpty())
		Expect(session.State()).To(Equal(relay.Authenticated))
	})

	It("Will release the shell channel when the session closes", func() {
		authenticate()
		Expect(testutil.ToFloat64(relayMetrics.ActiveSessions.WithLabelValues("shell"))).To(Equal(1.0))

		session.Close()
		Expect(connector.shell.Closed()).To(BeTrue())
		Expect(connector.kernelShell.Send(zmq4.NewMsgString("late"))).To(MatchError(bus.ErrStreamClosed))
		Expect(testutil.ToFloat64(relayMetrics.ActiveSessions.WithLabelValues("shell"))).To(BeZero())

		session.Close()
		shell.OnClose(session)
		Expect(testutil.ToFloat64(relayMetrics.ActiveSessions.WithLabelValues("shell"))).To(BeZero())
	})

	It("Will close the session when the kernel is unreachable", func() {
		connector.err = errKernelUnreachable

		Expect(session.HandleMessage(ctx, []byte(""))).To(MatchError(errKernelUnreachable))
		Expect(session.State()).To(Equal(relay.Closed))
		Expect(transport.CloseCode()).To(Equal(websocket.StatusInternalError))
	})
})
