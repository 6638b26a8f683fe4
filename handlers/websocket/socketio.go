package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"slidesync-server/collab"
)

// envelopeEvent carries a complete {"type": ...} frame, the same shape the
// raw WebSocket endpoint reads.
const envelopeEvent = "message"

var errSocketClosed = errors.New("socket closed")

type ackInvoker func(payload map[string]any)

// socketConn adapts a Socket.IO socket to collab.Conn. Every outbound frame
// is emitted as an event named after its type.
type socketConn struct {
	socket *socketio.Socket
	closed atomic.Bool
}

func (c *socketConn) ID() string { return string(c.socket.Id()) }

func (c *socketConn) Open() bool { return !c.closed.Load() }

func (c *socketConn) Send(data []byte) error {
	if c.closed.Load() {
		return errSocketClosed
	}
	event, payload, err := outboundEvent(data)
	if err != nil {
		return err
	}
	return c.socket.Emit(event, payload)
}

// outboundEvent splits an encoded frame into its event name and payload.
func outboundEvent(data []byte) (string, map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", nil, err
	}
	event, _ := payload["type"].(string)
	if event == "" {
		return "", nil, fmt.Errorf("frame has no type")
	}
	return event, payload, nil
}

// inboundFrame turns the arguments of a Socket.IO event into a frame for the
// dispatcher. The event name wins over any type field in the payload.
func inboundFrame(event string, args []any) ([]byte, error) {
	payload := map[string]any{}
	if len(args) > 0 && args[0] != nil {
		obj, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s payload must be an object, got %T", event, args[0])
		}
		for k, v := range obj {
			payload[k] = v
		}
	}
	if event != envelopeEvent {
		payload["type"] = event
	}
	return json.Marshal(payload)
}

func SetupSocketIO(h Handler, allowedOrigins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	origins := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range allowedOrigins {
		origins = append(origins, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		conn := &socketConn{socket: socket}
		h.Connect(conn)
		utils.Log().Printf("socket %v connected\n", socket.Id())

		events := append([]string{envelopeEvent}, collab.InboundTypes...)
		for _, event := range events {
			event := event
			//nolint:errcheck // Socket.IO event handlers do not return useful errors
			socket.On(event, func(datas ...any) {
				ack, args := extractAck(datas)
				data, err := inboundFrame(event, args)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"connection_id": conn.ID(),
						"event":         event,
						"error":         err,
					}).Warn("Dropping Socket.IO event")
					data = []byte(`{}`)
				}
				h.Handle(conn, data)
				if ack != nil {
					ack(map[string]any{"status": "ok"})
				}
			})
		}

		socket.On("disconnect", func(datas ...any) {
			conn.closed.Store(true)
			h.Disconnect(conn)
			socket.RemoveAllListeners("")
			utils.Log().Printf("socket %v disconnected\n", socket.Id())
		})
	})

	return srv
}

func extractAck(datas []any) (ackInvoker, []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack := wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts a client acknowledgement callback of any signature. The
// payload goes to the first parameter that can hold it.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		placed := false
		for i := range args {
			paramType := typ.In(i)
			switch {
			case !placed && reflect.TypeOf(payload).AssignableTo(paramType):
				args[i] = reflect.ValueOf(payload)
				placed = true
			case !placed && paramType.Kind() == reflect.Slice && paramType.Elem().Kind() == reflect.Interface:
				args[i] = reflect.ValueOf([]any{payload}).Convert(paramType)
				placed = true
			default:
				args[i] = reflect.Zero(paramType)
			}
		}
		if typ.IsVariadic() {
			value.CallSlice(args)
			return
		}
		value.Call(args)
	}
}
