package collab

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

// Persistence is the write side of the persistence collaborator used by the
// dispatcher. Live state never waits for it.
type Persistence interface {
	core.SlideStore
	core.ElementStore
}

const (
	defaultPersistTimeout   = 5 * time.Second
	defaultPersistQueueSize = 1024
)

type persistJob struct {
	op             string
	documentID     string
	presentationID int64
	run            func(ctx context.Context, presentationID int64) error
}

// documentPresentation maps a document onto its stored presentation.
// Documents with non-numeric ids live only in memory.
func documentPresentation(documentID string) (int64, bool) {
	id, err := strconv.ParseInt(documentID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// docLocks hands out one mutex per document. Entries live as long as the
// sessions they guard.
type docLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *docLocks) lock(documentID string) func() {
	l.mu.Lock()
	m, ok := l.locks[documentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[documentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Dispatcher applies inbound messages to the registry and the sessions and
// emits the resulting broadcasts. Messages for one document are applied and
// broadcast one at a time, in arrival order.
type Dispatcher struct {
	registry *Registry
	sessions *SessionStore
	router   *Router
	locks    docLocks

	store          Persistence
	notify         bool
	persistTimeout time.Duration
	queueSize      int

	queueMu sync.RWMutex
	queue   chan persistJob
	closed  bool
	done    chan struct{}
}

type DispatcherOption func(*Dispatcher)

// WithPersistence enables hydration of new sessions and asynchronous writes
// of accepted mutations.
func WithPersistence(store Persistence) DispatcherOption {
	return func(d *Dispatcher) { d.store = store }
}

// WithRejectionNotices makes every dropped message answer the sender with an
// error message.
func WithRejectionNotices(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.notify = enabled }
}

func WithPersistTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.persistTimeout = timeout }
}

func WithPersistQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) { d.queueSize = size }
}

func NewDispatcher(registry *Registry, sessions *SessionStore, router *Router, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		sessions:       sessions,
		router:         router,
		locks:          docLocks{locks: make(map[string]*sync.Mutex)},
		persistTimeout: defaultPersistTimeout,
		queueSize:      defaultPersistQueueSize,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.store == nil {
		close(d.done)
		return d
	}
	d.queue = make(chan persistJob, d.queueSize)
	go d.persistLoop()
	return d
}

func (d *Dispatcher) Registry() *Registry      { return d.registry }
func (d *Dispatcher) Sessions() *SessionStore  { return d.sessions }
func (d *Dispatcher) Router() *Router          { return d.router }
func (d *Dispatcher) NotifiesRejections() bool { return d.notify }

// Connect registers a new transport connection in the unbound state.
func (d *Dispatcher) Connect(conn Conn) {
	d.registry.Register(conn)
	logrus.WithField("connection_id", conn.ID()).Debug("Connection registered")
}

// Disconnect removes the connection. A bound connection's document receives
// the updated roster; its session is kept.
func (d *Dispatcher) Disconnect(conn Conn) {
	binding, ok := d.registry.Binding(conn.ID())
	if !ok {
		return
	}
	if !binding.Bound() {
		d.registry.Unregister(conn.ID())
		logrus.WithField("connection_id", conn.ID()).Debug("Unbound connection closed")
		return
	}

	unlock := d.locks.lock(binding.DocumentID)
	defer unlock()

	if _, ok := d.registry.Unregister(conn.ID()); !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"connection_id": conn.ID(),
		"identity":      binding.Identity,
		"document_id":   binding.DocumentID,
	}).Info("User left presentation")
	d.broadcastRoster(binding.DocumentID)
}

// Handle decodes and applies one inbound frame from conn. It never fails:
// rejected frames are logged and, when enabled, answered with an error
// message.
func (d *Dispatcher) Handle(conn Conn, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		d.reject(conn, "", err)
		return
	}

	binding, ok := d.registry.Binding(conn.ID())
	if !ok {
		logrus.WithField("connection_id", conn.ID()).Debug("Message from unregistered connection dropped")
		return
	}

	switch m := msg.(type) {
	case JoinPresentation:
		d.join(conn, binding, m)
		return
	case Unknown:
		logrus.WithFields(logrus.Fields{
			"connection_id": conn.ID(),
			"type":          m.Type,
		}).Info("Ignoring unknown message type")
		return
	}

	if !binding.Bound() {
		d.reject(conn, msg.MessageType(), ErrNotJoined)
		return
	}

	unlock := d.locks.lock(binding.DocumentID)
	defer unlock()

	// Re-read under the document lock so a concurrent role change is seen.
	binding, ok = d.registry.Binding(conn.ID())
	if !ok {
		return
	}

	switch m := msg.(type) {
	case AddElement:
		d.addElement(conn, binding, m)
	case UpdateElement:
		d.updateElement(conn, binding, m)
	case DeleteElement:
		d.deleteElement(conn, binding, m)
	case ChangeSlide:
		d.changeSlide(conn, binding, m)
	case ChangeRole:
		d.changeRole(conn, binding, m)
	case AddSlide:
		d.addSlide(conn, binding, m)
	case UpdateSlide:
		d.updateSlide(conn, binding, m)
	case DeleteSlide:
		d.deleteSlide(conn, binding, m)
	}
}

func (d *Dispatcher) join(conn Conn, binding Binding, m JoinPresentation) {
	if binding.Bound() {
		if binding.DocumentID == m.DocumentID && binding.Identity == m.Identity {
			logrus.WithFields(logrus.Fields{
				"connection_id": conn.ID(),
				"document_id":   m.DocumentID,
			}).Debug("Repeated join ignored")
			return
		}
		d.reject(conn, m.MessageType(), ErrAlreadyBound)
		return
	}

	evicted, ok := d.bind(conn, m)
	if !ok || !evicted.Bound() || evicted.DocumentID == m.DocumentID {
		return
	}

	// The stale connection's own disconnect finds no entry later, so its
	// document learns about the departure here. Document locks are never
	// nested.
	unlock := d.locks.lock(evicted.DocumentID)
	defer unlock()
	d.broadcastRoster(evicted.DocumentID)
}

// bind joins conn to the document under its lock and sends the snapshot and
// roster. It returns the binding of a stale connection evicted for the same
// identity.
func (d *Dispatcher) bind(conn Conn, m JoinPresentation) (Binding, bool) {
	unlock := d.locks.lock(m.DocumentID)
	defer unlock()

	session := d.sessions.GetOrCreate(m.DocumentID)
	d.hydrate(session)

	evicted, err := d.registry.Bind(conn.ID(), m.Identity, m.DocumentID, m.Role, m.DisplayName)
	if err != nil {
		d.reject(conn, m.MessageType(), err)
		return Binding{}, false
	}

	logrus.WithFields(logrus.Fields{
		"connection_id": conn.ID(),
		"identity":      m.Identity,
		"document_id":   m.DocumentID,
		"role":          m.Role,
	}).Info("User joined presentation")

	roster := d.registry.ListByDocument(m.DocumentID)
	d.router.SendTo(m.Identity, presentationStateMessage{
		Type:     TypePresentationState,
		Snapshot: session.Snapshot(),
		Role:     m.Role,
		Users:    roster,
	})
	d.router.BroadcastToDocument(m.DocumentID, rosterMessage{
		Type:       TypeUpdateUsers,
		DocumentID: m.DocumentID,
		Users:      roster,
	}, "")
	return evicted, true
}

func (d *Dispatcher) addElement(conn Conn, b Binding, m AddElement) {
	if !d.allowed(conn, b, ActionEditContent, m) {
		return
	}
	if !d.sessions.GetOrCreate(b.DocumentID).HasSlide(m.Element.SlideID) {
		d.unknownTarget(b, m, m.Element.SlideID)
		return
	}
	element, added := d.sessions.AddElement(b.DocumentID, m.Element)
	logrus.WithFields(logrus.Fields{
		"document_id": b.DocumentID,
		"element_id":  element.ID,
		"slide_id":    element.SlideID,
		"replaced":    !added,
	}).Debug("Element added")

	d.router.BroadcastToDocument(b.DocumentID, elementMessage{
		Type:    TypeElementAdded,
		SlideID: element.SlideID,
		Element: element,
		UserID:  b.Identity,
	}, b.Identity)

	d.persist(b.DocumentID, "save_element", func(ctx context.Context, presentationID int64) error {
		if err := d.ownedSlide(ctx, presentationID, element.SlideID); err != nil {
			return err
		}
		return d.store.SaveElement(ctx, &element)
	})
}

func (d *Dispatcher) updateElement(conn Conn, b Binding, m UpdateElement) {
	if !d.allowed(conn, b, ActionEditContent, m) {
		return
	}
	element, ok := d.sessions.UpdateElement(b.DocumentID, m.ElementID, m.Patch)
	if !ok {
		d.unknownTarget(b, m, m.ElementID)
		return
	}

	d.router.BroadcastToDocument(b.DocumentID, elementMessage{
		Type:    TypeElementUpdated,
		SlideID: element.SlideID,
		Element: element,
		UserID:  b.Identity,
	}, b.Identity)

	patch := m.Patch
	d.persist(b.DocumentID, "update_element", func(ctx context.Context, presentationID int64) error {
		if err := d.ownedElement(ctx, presentationID, element.SlideID, element.ID); err != nil {
			return err
		}
		_, err := d.store.UpdateElement(ctx, element.ID, patch)
		return err
	})
}

func (d *Dispatcher) deleteElement(conn Conn, b Binding, m DeleteElement) {
	if !d.allowed(conn, b, ActionEditContent, m) {
		return
	}
	element, ok := d.sessions.DeleteElement(b.DocumentID, m.ElementID)
	if !ok {
		d.unknownTarget(b, m, m.ElementID)
		return
	}

	d.router.BroadcastToDocument(b.DocumentID, elementDeletedMessage{
		Type:      TypeElementDeleted,
		SlideID:   element.SlideID,
		ElementID: element.ID,
		UserID:    b.Identity,
	}, b.Identity)

	d.persist(b.DocumentID, "delete_element", func(ctx context.Context, presentationID int64) error {
		if err := d.ownedElement(ctx, presentationID, element.SlideID, element.ID); err != nil {
			return err
		}
		_, err := d.store.DeleteElement(ctx, element.ID)
		return err
	})
}

func (d *Dispatcher) changeSlide(conn Conn, b Binding, m ChangeSlide) {
	if !d.allowed(conn, b, ActionNavigate, m) {
		return
	}
	index, err := d.sessions.SetCurrentSlideIndex(b.DocumentID, m.Index)
	if err != nil {
		d.reject(conn, m.MessageType(), err)
		return
	}

	d.router.BroadcastToDocument(b.DocumentID, slideChangedMessage{
		Type:   TypeSlideChanged,
		Index:  index,
		UserID: b.Identity,
	}, "")
}

func (d *Dispatcher) changeRole(conn Conn, b Binding, m ChangeRole) {
	if !d.allowed(conn, b, ActionChangeRole, m) {
		return
	}
	target, ok := d.registry.Lookup(m.Target)
	if !ok || target.DocumentID != b.DocumentID {
		logrus.WithFields(logrus.Fields{
			"document_id": b.DocumentID,
			"identity":    b.Identity,
			"target":      m.Target,
		}).Warn("Role change for unknown participant ignored")
		return
	}
	if err := d.registry.SetRole(m.Target, m.NewRole); err != nil {
		logrus.WithError(err).WithField("target", m.Target).Warn("Role change failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"document_id": b.DocumentID,
		"identity":    b.Identity,
		"target":      m.Target,
		"role":        m.NewRole,
	}).Info("Role changed")

	d.router.SendTo(m.Target, roleChangedMessage{
		Type:   TypeRoleChanged,
		UserID: m.Target,
		Role:   m.NewRole,
	})
	d.broadcastRoster(b.DocumentID)
}

func (d *Dispatcher) addSlide(conn Conn, b Binding, m AddSlide) {
	if !d.allowed(conn, b, ActionManageSlides, m) {
		return
	}
	// A slide always belongs to the document it was added in.
	slide := m.Slide
	slide.PresentationID, _ = documentPresentation(b.DocumentID)
	slide = d.sessions.AddSlide(b.DocumentID, slide)

	d.router.BroadcastToDocument(b.DocumentID, slideMessage{
		Type:   TypeSlideAdded,
		Slide:  slide,
		UserID: b.Identity,
	}, b.Identity)

	d.persist(b.DocumentID, "save_slide", func(ctx context.Context, _ int64) error {
		return d.store.SaveSlide(ctx, &slide)
	})
}

func (d *Dispatcher) updateSlide(conn Conn, b Binding, m UpdateSlide) {
	if !d.allowed(conn, b, ActionEditContent, m) {
		return
	}
	slide, ok := d.sessions.UpdateSlide(b.DocumentID, m.SlideID, m.Patch)
	if !ok {
		d.unknownTarget(b, m, m.SlideID)
		return
	}

	d.router.BroadcastToDocument(b.DocumentID, slideMessage{
		Type:   TypeSlideUpdated,
		Slide:  slide,
		UserID: b.Identity,
	}, b.Identity)

	patch := m.Patch
	d.persist(b.DocumentID, "update_slide", func(ctx context.Context, presentationID int64) error {
		if err := d.ownedSlide(ctx, presentationID, slide.ID); err != nil {
			return err
		}
		_, err := d.store.UpdateSlide(ctx, slide.ID, patch)
		return err
	})
}

func (d *Dispatcher) deleteSlide(conn Conn, b Binding, m DeleteSlide) {
	if !d.allowed(conn, b, ActionManageSlides, m) {
		return
	}
	removed, ok := d.sessions.DeleteSlide(b.DocumentID, m.SlideID)
	if !ok {
		d.unknownTarget(b, m, m.SlideID)
		return
	}
	if removed == nil {
		removed = []int64{}
	}

	d.router.BroadcastToDocument(b.DocumentID, slideDeletedMessage{
		Type:       TypeSlideDeleted,
		SlideID:    m.SlideID,
		ElementIDs: removed,
		Index:      d.sessions.GetOrCreate(b.DocumentID).CurrentSlideIndex(),
		UserID:     b.Identity,
	}, "")

	slideID := m.SlideID
	d.persist(b.DocumentID, "delete_slide", func(ctx context.Context, presentationID int64) error {
		if err := d.ownedSlide(ctx, presentationID, slideID); err != nil {
			return err
		}
		return d.store.DeleteSlide(ctx, slideID)
	})
}

func (d *Dispatcher) broadcastRoster(documentID string) {
	d.router.BroadcastToDocument(documentID, rosterMessage{
		Type:       TypeUpdateUsers,
		DocumentID: documentID,
		Users:      d.registry.ListByDocument(documentID),
	}, "")
}

func (d *Dispatcher) allowed(conn Conn, b Binding, action Action, m Message) bool {
	if Authorize(b.Role, action) {
		return true
	}
	err := fmt.Errorf("%w: role %s may not %s", ErrAuthorizationDenied, b.Role, action)
	d.reject(conn, m.MessageType(), err)
	return false
}

func (d *Dispatcher) unknownTarget(b Binding, m Message, id int64) {
	logrus.WithFields(logrus.Fields{
		"document_id": b.DocumentID,
		"identity":    b.Identity,
		"type":        m.MessageType(),
		"target_id":   id,
	}).Debug("Message for unknown target ignored")
}

func (d *Dispatcher) reject(conn Conn, request string, err error) {
	logrus.WithFields(logrus.Fields{
		"connection_id": conn.ID(),
		"type":          request,
	}).WithError(err).Warn("Message rejected")

	if !d.notify {
		return
	}
	d.router.send(conn, errorMessage{
		Type:    TypeError,
		Code:    errorCode(err),
		Message: err.Error(),
		Request: request,
	})
}

// hydrate seeds a fresh session of a numeric document from the store.
func (d *Dispatcher) hydrate(session *Session) {
	if d.store == nil {
		return
	}
	presentationID, ok := documentPresentation(session.DocumentID())
	if !ok {
		return
	}
	if !session.claimHydration() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
	defer cancel()

	fields := logrus.Fields{"document_id": session.DocumentID()}
	slides, err := d.store.ListSlides(ctx, presentationID)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("Failed to load slides for session")
		return
	}
	var elements []*core.Element
	for _, slide := range slides {
		list, err := d.store.ListElements(ctx, slide.ID)
		if err != nil {
			logrus.WithFields(fields).WithField("slide_id", slide.ID).WithError(err).Error("Failed to load elements for session")
			return
		}
		elements = append(elements, list...)
	}
	session.seed(slides, elements, d.sessions.now())
	logrus.WithFields(fields).WithFields(logrus.Fields{
		"slides":   len(slides),
		"elements": len(elements),
	}).Info("Session hydrated")
}

// persist queues a write for the document's presentation. Documents without
// a stored presentation are never written.
func (d *Dispatcher) persist(documentID, op string, run func(ctx context.Context, presentationID int64) error) {
	if d.store == nil {
		return
	}
	presentationID, ok := documentPresentation(documentID)
	if !ok {
		return
	}

	d.queueMu.RLock()
	defer d.queueMu.RUnlock()

	fields := logrus.Fields{"document_id": documentID, "op": op}
	if d.closed {
		logrus.WithFields(fields).Error("Dispatcher closed, dropping write")
		return
	}
	select {
	case d.queue <- persistJob{op: op, documentID: documentID, presentationID: presentationID, run: run}:
	default:
		logrus.WithFields(fields).Error("Persistence queue full, dropping write")
	}
}

// ownedSlide fails unless the stored slide belongs to presentationID.
func (d *Dispatcher) ownedSlide(ctx context.Context, presentationID, slideID int64) error {
	slide, err := d.store.GetSlide(ctx, slideID)
	if err != nil {
		return err
	}
	if slide.PresentationID != presentationID {
		return fmt.Errorf("slide %d %w", slideID, core.ErrConflict)
	}
	return nil
}

// ownedElement fails unless the stored element sits on slideID of
// presentationID.
func (d *Dispatcher) ownedElement(ctx context.Context, presentationID, slideID, elementID int64) error {
	if err := d.ownedSlide(ctx, presentationID, slideID); err != nil {
		return err
	}
	elements, err := d.store.ListElements(ctx, slideID)
	if err != nil {
		return err
	}
	for _, e := range elements {
		if e.ID == elementID {
			return nil
		}
	}
	return fmt.Errorf("element %d on slide %d %w", elementID, slideID, core.ErrNotFound)
}

func (d *Dispatcher) persistLoop() {
	defer close(d.done)
	for job := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
		err := job.run(ctx, job.presentationID)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"document_id": job.documentID,
				"op":          job.op,
			}).WithError(err).Error("Failed to persist change")
		}
	}
}

// Close stops accepting writes and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.queueMu.Lock()
	if !d.closed {
		d.closed = true
		if d.queue != nil {
			close(d.queue)
		}
	}
	d.queueMu.Unlock()
	<-d.done
}
