package collab

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Router fans messages out to the connections bound in the registry. It only
// reads the registry.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// BroadcastToDocument delivers msg to every connection bound to documentID
// except excludeIdentity. Closed connections and send failures are skipped.
// It returns the number of connections the message was handed to.
func (r *Router) BroadcastToDocument(documentID string, msg any, excludeIdentity string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).WithField("document_id", documentID).Error("Failed to encode broadcast")
		return 0
	}

	delivered := 0
	for _, rcpt := range r.registry.recipients(documentID) {
		if excludeIdentity != "" && rcpt.identity == excludeIdentity {
			continue
		}
		if !rcpt.conn.Open() {
			continue
		}
		if err := rcpt.conn.Send(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"document_id":   documentID,
				"identity":      rcpt.identity,
				"connection_id": rcpt.conn.ID(),
			}).WithError(err).Warn("Dropping broadcast to connection")
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers msg to the connection bound to identity.
func (r *Router) SendTo(identity string, msg any) bool {
	conn, ok := r.registry.connFor(identity)
	if !ok {
		return false
	}
	return r.send(conn, msg)
}

// send delivers msg to a connection that may not be bound yet.
func (r *Router) send(conn Conn, msg any) bool {
	if !conn.Open() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).WithField("connection_id", conn.ID()).Error("Failed to encode message")
		return false
	}
	if err := conn.Send(data); err != nil {
		logrus.WithError(err).WithField("connection_id", conn.ID()).Warn("Failed to send message")
		return false
	}
	return true
}
